package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

var durationType = reflect.TypeFor[time.Duration]()

// Manager collects flat dotted configuration keys ("read.timeout") from
// JSON files and environment variables and maps them onto tagged structs.
type Manager struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewManager creates an empty Manager
func NewManager() *Manager {
	return &Manager{values: make(map[string]any)}
}

// Set sets a configuration value, replacing any earlier one
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Get gets a configuration value
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, exists := m.values[key]
	return value, exists
}

// GetString gets a string configuration value
func (m *Manager) GetString(key string, defaultValue string) string {
	if value, exists := m.Get(key); exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

// GetDuration gets a duration configuration value.
// Strings use [time.ParseDuration]; bare numbers are seconds.
func (m *Manager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := m.Get(key); exists {
		if d, err := toDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// LoadFromEnv loads PREFIX_SOME_KEY=value as "some.key"
func (m *Manager) LoadFromEnv(prefix string) {
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if prefix != "" {
			rest, found := strings.CutPrefix(key, prefix+"_")
			if !found {
				continue
			}
			key = rest
		}
		key = strings.ReplaceAll(strings.ToLower(key), "_", ".")
		m.Set(key, value)
	}
}

// LoadFromJSON loads a JSON object; nested objects become dotted keys
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
	}

	m.loadFromMap("", values)
	return nil
}

func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}

// Unmarshal copies known keys into the fields of the struct target points to.
// The key is the `config` tag or the lowercased field name; "-" skips a field.
func (m *Manager) Unmarshal(prefix string, target any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Pointer || targetValue.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to struct")
	}
	targetValue = targetValue.Elem()
	targetType := targetValue.Type()

	for i := 0; i < targetType.NumField(); i++ {
		field := targetType.Field(i)
		fieldValue := targetValue.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		configKey := field.Tag.Get("config")
		if configKey == "-" {
			continue
		}
		if configKey == "" {
			configKey = strings.ToLower(field.Name)
		}
		if prefix != "" {
			configKey = prefix + "." + configKey
		}

		value, exists := m.values[configKey]
		if !exists {
			continue
		}
		if err := setFieldValue(fieldValue, value); err != nil {
			return fmt.Errorf("%s: %w", configKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value any) error {
	if field.Type() == durationType {
		d, err := toDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		if str, ok := value.(string); ok {
			field.SetString(str)
		} else {
			field.SetString(fmt.Sprint(value))
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("%v is not an integer", v)
			}
			field.SetInt(int64(v))
		case string:
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		default:
			return fmt.Errorf("cannot convert %T to %s", value, field.Type())
		}

	case reflect.Bool:
		switch v := value.(type) {
		case bool:
			field.SetBool(v)
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			field.SetBool(b)
		default:
			return fmt.Errorf("cannot convert %T to bool", value)
		}

	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

func toDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to duration", value)
	}
}

// GetAll returns a copy of all configuration values
func (m *Manager) GetAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]any, len(m.values))
	for k, v := range m.values {
		result[k] = v
	}
	return result
}
