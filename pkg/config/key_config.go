package config

import (
	"os"
	"strconv"
	"sync"

	"github.com/apex/log"
	"github.com/subosito/gotenv"
)

// keyLookup implements the typed getters on top of a single lookup function.
type keyLookup func(key string) string

func (f keyLookup) GetKey(key string) string {
	return f(key)
}

func (f keyLookup) MustGetKey(key string) string {
	val := f(key)
	if val == "" {
		log.Fatalf("No such required config key: '%s'", key)
	}

	return val
}

func (f keyLookup) GetKeyWithDefault(key, defaultValue string) string {
	if val := f(key); val != "" {
		return val
	}

	return defaultValue
}

func (f keyLookup) GetIntKey(key string) int {
	return f.GetIntKeyWithDefault(key, 0)
}

func (f keyLookup) GetIntKeyWithDefault(key string, defaultValue int) int {
	intVal, err := strconv.Atoi(f(key))
	if err != nil {
		return defaultValue
	}

	return intVal
}

// DotenvConfig reads keys from the process environment after loading an optional
// dotenv file into it.
type DotenvConfig struct {
	keyLookup
	DotenvPath string
}

func NewDotenvConfig(path string) *DotenvConfig {
	return &DotenvConfig{keyLookup: os.Getenv, DotenvPath: path}
}

func (c *DotenvConfig) Load() error {
	if c.DotenvPath == "" {
		return nil
	}

	return gotenv.Load(c.DotenvPath)
}

// MapConfig serves keys from a fixed map. Used by tests.
type MapConfig struct {
	keyLookup
	configValues sync.Map
}

func NewMapConfig(entries map[string]string) *MapConfig {
	c := &MapConfig{}
	c.keyLookup = c.lookup

	for key, entry := range entries {
		c.configValues.Store(key, entry)
	}

	return c
}

func (c *MapConfig) Load() error {
	return nil
}

func (c *MapConfig) lookup(key string) string {
	v, ok := c.configValues.Load(key)
	if !ok || v == nil {
		return ""
	}

	return v.(string)
}
