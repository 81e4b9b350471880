package config

import "reflect"

// MergeNonZero returns a copy of base with every non-zero field in overlay
// applied on top. Scalars and durations override when non-zero, bools always
// override, slices override when non-empty, and nested structs are merged
// field by field. Maps are merged key by key: struct values present on both
// sides are merged recursively, everything else is replaced by the overlay.
//
// Only called on config load and reload.
func MergeNonZero[T any](base, overlay T) T {
	result := base
	mergeValue(reflect.ValueOf(&result).Elem(), reflect.ValueOf(&overlay).Elem())
	return result
}

func mergeValue(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		mergeStruct(dst, src)
	case reflect.Map:
		mergeMap(dst, src)
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}

func mergeStruct(dst, src reflect.Value) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		df := dst.Field(i)
		sf := src.Field(i)
		if !df.CanSet() {
			continue
		}

		switch df.Kind() {
		case reflect.Bool:
			df.SetBool(sf.Bool())
		case reflect.Struct:
			mergeStruct(df, sf)
		case reflect.Map:
			mergeMap(df, sf)
		case reflect.Ptr:
			if !sf.IsNil() {
				df.Set(sf)
			}
		case reflect.Slice:
			if sf.Len() > 0 {
				df.Set(sf)
			}
		default:
			if !sf.IsZero() {
				df.Set(sf)
			}
		}
	}
}

func mergeMap(dst, src reflect.Value) {
	if src.IsNil() || src.Len() == 0 {
		return
	}

	// Copy dst so the base map is never mutated.
	merged := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
	if !dst.IsNil() {
		iter := dst.MapRange()
		for iter.Next() {
			merged.SetMapIndex(iter.Key(), iter.Value())
		}
	}

	elemType := dst.Type().Elem()
	iter := src.MapRange()
	for iter.Next() {
		key, val := iter.Key(), iter.Value()
		existing := merged.MapIndex(key)
		if elemType.Kind() == reflect.Struct && existing.IsValid() {
			combined := reflect.New(elemType).Elem()
			combined.Set(existing)
			mergeStruct(combined, val)
			merged.SetMapIndex(key, combined)
			continue
		}
		merged.SetMapIndex(key, val)
	}
	dst.Set(merged)
}
