package storage

import "errors"

// Credentials stores the provider API key in the key-value store so it
// survives restarts without ever touching the config file.
type Credentials struct {
	kv *KV
}

func NewCredentials(kv *KV) *Credentials {
	return &Credentials{kv: kv}
}

// Key returns the stored API key, reporting ok=false when none is set.
func (c *Credentials) Key() (string, bool) {
	var key string
	ok, err := c.kv.Load(KeyAPIKey, &key)
	if err != nil || !ok || key == "" {
		return "", false
	}
	return key, true
}

func (c *Credentials) Set(key string) error {
	if key == "" {
		return errors.New("API key must not be empty")
	}
	return c.kv.Save(KeyAPIKey, key)
}

func (c *Credentials) Clear() error {
	return c.kv.Remove(KeyAPIKey)
}
