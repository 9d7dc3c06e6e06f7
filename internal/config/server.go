package config

import (
	"os"
	"time"
)

const (
	DefaultListenAddr    = ":8000"
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheCapacity = 5000
	DefaultRelayChannel  = "inline:push"
)

// Server is inline-server.toml. EncryptionKey and JWTSecret may come from
// the environment instead of the file.
type Server struct {
	ListenAddr    string `toml:"listen_addr"`
	DatabasePath  string `toml:"database_path"`
	LogPath       string `toml:"log_path"`
	EncryptionKey string `toml:"encryption_key"`
	KeyPassphrase string `toml:"key_passphrase"`
	JWTSecret     string `toml:"jwt_secret"`
	// TokenTTL of zero issues tokens that do not expire.
	TokenTTL   time.Duration `toml:"token_ttl"`
	InstanceID string        `toml:"instance_id"`
	Cache      Cache         `toml:"cache"`
	Redis      Redis         `toml:"redis"`
}

type Cache struct {
	TTL      time.Duration `toml:"ttl"`
	Capacity int           `toml:"capacity"`
}

type Redis struct {
	Addr    string `toml:"addr"`
	Channel string `toml:"channel"`
}

// LoadServer reads the server file, overlays the environment and fills in
// defaults. An empty path skips the file.
func LoadServer(path string) (*Server, error) {
	var s Server
	if path != "" {
		if err := decode(path, &s); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		s.EncryptionKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		s.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		s.Redis.Addr = v
	}
	s.applyDefaults()
	return &s, nil
}

func (s *Server) applyDefaults() {
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.DatabasePath == "" {
		s.DatabasePath = "inline.db"
	}
	if s.Cache.TTL <= 0 {
		s.Cache.TTL = DefaultCacheTTL
	}
	if s.Cache.Capacity <= 0 {
		s.Cache.Capacity = DefaultCacheCapacity
	}
	if s.Redis.Channel == "" {
		s.Redis.Channel = DefaultRelayChannel
	}
}
