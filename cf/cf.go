package cf

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load binds the values in data onto the exported fields of the struct pointed to by cf. Keys are the field names,
// or the value of the field's `cf` tag when present. Nested structs (and pointers to structs) are bound from nested
// maps. Durations accept either a duration string ("250ms") or an integer number of milliseconds.
//
func Load(data map[string]interface{}, cf interface{}) error {
	cfV := reflect.ValueOf(cf)
	if cfV.Kind() == reflect.Ptr {
		cfV = cfV.Elem()
	}
	if cfV.Kind() != reflect.Struct {
		return errors.Errorf("cf type [%s] not struct", cfV.Type())
	}
	for i := 0; i < cfV.NumField(); i++ {
		field := cfV.Field(i)
		if !field.CanSet() {
			continue
		}
		key := keyName(cfV.Type().Field(i))
		v, found := data[key]
		if !found {
			continue
		}
		if err := setField(key, field, normalize(v)); err != nil {
			return err
		}
	}
	return nil
}

func setField(key string, field reflect.Value, v interface{}) error {
	if field.Type() == durationType {
		switch tv := v.(type) {
		case int:
			field.SetInt(int64(time.Duration(tv) * time.Millisecond))
		case string:
			d, err := time.ParseDuration(tv)
			if err != nil {
				return errors.Wrapf(err, "field '%s' invalid duration", key)
			}
			field.SetInt(int64(d))
		default:
			return mismatch(key, v, field)
		}
		return nil
	}

	switch field.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
		if j, ok := v.(int); ok {
			field.SetInt(int64(j))
		} else {
			return mismatch(key, v, field)
		}

	case reflect.Float64:
		switch f := v.(type) {
		case float64:
			field.SetFloat(f)
		case int:
			field.SetFloat(float64(f))
		default:
			return mismatch(key, v, field)
		}

	case reflect.Bool:
		if b, ok := v.(bool); ok {
			field.SetBool(b)
		} else {
			return mismatch(key, v, field)
		}

	case reflect.String:
		if s, ok := v.(string); ok {
			field.SetString(s)
		} else {
			return mismatch(key, v, field)
		}

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Errorf("unsupported field type [%s]", field.Type())
		}
		items, ok := v.([]interface{})
		if !ok {
			return mismatch(key, v, field)
		}
		out := reflect.MakeSlice(field.Type(), 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return errors.Errorf("field '%s' expects strings, got [%s]", key, reflect.TypeOf(item))
			}
			out = reflect.Append(out, reflect.ValueOf(s))
		}
		field.Set(out)

	case reflect.Map:
		m, ok := v.(map[string]interface{})
		if !ok || field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.Interface {
			return mismatch(key, v, field)
		}
		field.Set(reflect.ValueOf(m))

	case reflect.Struct:
		m, ok := v.(map[string]interface{})
		if !ok {
			return mismatch(key, v, field)
		}
		return errors.Wrapf(Load(m, field.Addr().Interface()), "field '%s'", key)

	case reflect.Ptr:
		if field.Type().Elem().Kind() != reflect.Struct {
			return errors.Errorf("unsupported field type [%s]", field.Type())
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return mismatch(key, v, field)
		}
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return errors.Wrapf(Load(m, field.Interface()), "field '%s'", key)

	default:
		return errors.Errorf("unsupported field type [%s]", field.Type())
	}
	return nil
}

func mismatch(key string, v interface{}, field reflect.Value) error {
	return errors.Errorf("field '%s' type mismatch, got [%s], expected [%s]", key, reflect.TypeOf(v), field.Type())
}

// normalize converts map[interface{}]interface{} values (as produced by some yaml decoders) into
// map[string]interface{}, recursively.
//
func normalize(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, kv := range tv {
			out[fmt.Sprintf("%v", k)] = normalize(kv)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, kv := range tv {
			out[k] = normalize(kv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, iv := range tv {
			out[i] = normalize(iv)
		}
		return out
	default:
		return v
	}
}

func Dump(label string, cf interface{}) string {
	cfV := reflect.ValueOf(cf)
	if cfV.Kind() == reflect.Ptr {
		cfV = cfV.Elem()
	}
	if cfV.Kind() != reflect.Struct {
		return ""
	}
	out := new(strings.Builder)
	out.WriteString(label + " {\n")
	format := fmt.Sprintf("\t%%-%ds %%v\n", maxKeyLength(cfV))
	for i := 0; i < cfV.NumField(); i++ {
		if cfV.Field(i).CanInterface() {
			key := keyName(cfV.Type().Field(i))
			out.WriteString(fmt.Sprintf(format, key, cfV.Field(i).Interface()))
		}
	}
	out.WriteString("}")
	return out.String()
}

func keyName(v reflect.StructField) string {
	key := v.Name
	tag := v.Tag.Get("cf")
	if tag != "" {
		key = tag
	}
	return key
}

func maxKeyLength(cfV reflect.Value) int {
	maxKeyLength := 0
	for i := 0; i < cfV.NumField(); i++ {
		key := keyName(cfV.Type().Field(i))
		keyLength := len(key)
		if keyLength > maxKeyLength {
			maxKeyLength = keyLength
		}
	}
	return maxKeyLength
}
