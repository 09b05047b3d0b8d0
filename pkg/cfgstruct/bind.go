// Package cfgstruct binds a configuration struct's fields to command-line
// flags and a viper instance via `cfg`/`default`/`help` struct tags, the
// convention this repo's four services use for every process-wide option
// in spec.md §6.4.
package cfgstruct

import (
	"reflect"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the class for malformed config structs.
var Error = errs.Class("cfgstruct")

// Bind walks cfg (a pointer to a struct, recursing into nested structs),
// registers a flag per leaf field tagged `cfg`, and binds it into v so
// that environment variables and config files can override the default.
// Supported field kinds: string, bool, int, int64, float64,
// time.Duration.
func Bind(flags *pflag.FlagSet, v *viper.Viper, cfg interface{}) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return Error.New("Bind requires a pointer to a struct, got %T", cfg)
	}
	if err := bindStruct(flags, v, rv.Elem()); err != nil {
		return err
	}
	return nil
}

func bindStruct(flags *pflag.FlagSet, v *viper.Viper, rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := rv.Field(i)

		if field.Type.Kind() == reflect.Struct && field.Tag.Get("cfg") == "" {
			if err := bindStruct(flags, v, fv); err != nil {
				return err
			}
			continue
		}

		name := field.Tag.Get("cfg")
		if name == "" {
			continue
		}
		help := field.Tag.Get("help")
		def := field.Tag.Get("default")

		if err := bindField(flags, name, help, def, fv); err != nil {
			return Error.Wrap(err)
		}
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func bindField(flags *pflag.FlagSet, name, help, def string, fv reflect.Value) error {
	switch fv.Kind() {
	case reflect.String:
		flags.String(name, def, help)
	case reflect.Bool:
		b, err := parseStrictBool(def)
		if err != nil {
			return err
		}
		flags.Bool(name, b, help)
	case reflect.Int, reflect.Int32:
		n, _ := strconv.Atoi(def)
		flags.Int(name, n, help)
	case reflect.Int64:
		// time.Duration is an int64 underneath; prefer duration parsing
		// when the default looks like one (e.g. "30s"), else plain int64.
		if d, err := time.ParseDuration(def); err == nil {
			flags.Duration(name, d, help)
		} else {
			n, _ := strconv.ParseInt(def, 10, 64)
			flags.Int64(name, n, help)
		}
	case reflect.Float64:
		f, _ := strconv.ParseFloat(def, 64)
		flags.Float64(name, f, help)
	default:
		return Error.New("unsupported field kind %s for %q", fv.Kind(), name)
	}
	return nil
}

// parseStrictBool checks a bool field's `default` tag, accepting only
// on/off/true/false (or empty). It does not govern values supplied at run
// time: those are parsed by pflag's Bool flag and viper with
// strconv.ParseBool, which accepts 1, t, TRUE and the like and rejects
// on/off.
func parseStrictBool(s string) (bool, error) {
	switch s {
	case "", "off", "false":
		return false, nil
	case "on", "true":
		return true, nil
	default:
		return false, Error.New("invalid boolean default %q, want on/off", s)
	}
}
