package config

// Configer is a flat key/value view of the environment the gateway runs in. The typed
// GatewayConfig is layered on top of it for structured settings.
type Configer interface {
	Load() error
	GetKey(key string) string
	MustGetKey(key string) string
	GetKeyWithDefault(key, defaultValue string) string
	GetIntKey(key string) int
	GetIntKeyWithDefault(key string, defaultValue int) int
}
