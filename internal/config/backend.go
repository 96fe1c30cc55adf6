package config

// ConfigBackend is the persistent layer beneath environment overrides.
// Durations are stored as strings and parsed by the key table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
