package main

import (
	"fmt"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the demo trunk client. The env struct tag is
// "NAME=default" (or "NAME?=default" when an explicitly empty value should
// override the default rather than being ignored), exactly as
// pkg/atlas/config.go does it.
type Config struct {
	ServerAddr netip.AddrPort `env:"RADIUSCLIENT_SERVER_ADDR=127.0.0.1:1812"`
	Proto      string         `env:"RADIUSCLIENT_PROTO=udp"`

	// The shared secret. If it begins with @, it is treated as the name of
	// a systemd credential to load.
	Secret string `env:"RADIUSCLIENT_SECRET" sdcreds:"load,trimspace"`

	StatusCheckCode         int           `env:"RADIUSCLIENT_STATUS_CHECK_CODE=12"`
	StatusCheckInterval     time.Duration `env:"RADIUSCLIENT_STATUS_CHECK_INTERVAL=30s"`
	NumAnswersToAlive       int           `env:"RADIUSCLIENT_NUM_ANSWERS_TO_ALIVE=3"`
	MaxPacketSize           int           `env:"RADIUSCLIENT_MAX_PACKET_SIZE=4096"`

	DBPath      string `env:"RADIUSCLIENT_DB"`
	DiagAddr    string `env:"RADIUSCLIENT_DIAG_ADDR"`
	MetricsAddr string `env:"RADIUSCLIENT_METRICS_ADDR"`

	LogLevel        zerolog.Level `env:"RADIUSCLIENT_LOG_LEVEL=info"`
	LogStdoutPretty bool          `env:"RADIUSCLIENT_LOG_STDOUT_PRETTY=true"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment entries into
// c, setting default values from the env tag for anything not present.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "RADIUSCLIENT_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			v, err := sdcreds(v, ctf.Tag.Get("sdcreds"))
			if err != nil {
				return fmt.Errorf("env %s: expand systemd credentials: %w", key, err)
			}
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// sdcreds expands a "@name" systemd-credential reference in v into its file
// contents, trimmed of surrounding whitespace. tag selects the behavior
// exactly as in pkg/atlas/config.go; only "load,trimspace" is used here.
func sdcreds(v string, tag string) (string, error) {
	if tag == "" || len(v) == 0 || v[0] != '@' {
		return v, nil
	}
	if tag != "load,trimspace" {
		return "", fmt.Errorf("unsupported sdcreds tag %q", tag)
	}
	crd := os.Getenv("CREDENTIALS_DIRECTORY")
	if crd == "" {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY env var not set", v)
	}
	buf, err := os.ReadFile(crd + "/" + v[1:])
	if err != nil {
		return "", fmt.Errorf("expand %q: read credential: %w", v, err)
	}
	return strings.TrimSpace(string(buf)), nil
}
