package config

import (
	"errors"
	"flag"
	"time"
)

type Server struct {
	ListenAddr   string
	TickInterval time.Duration
	MaxClients   int
	InitPolicy   string
	ArenaSize    int
	Seed         int64

	RecordsDir string
	AdminAddr  string
	Duration   time.Duration // 0 runs until interrupted

	ServerID      string
	EtcdEndpoints []string
	AdvertiseHost string // host registered in etcd; empty keeps the bound one
	LogLevel      string
	DevLog        bool
}

// LoadServer resolves server settings. args excludes the program name.
func LoadServer(args []string) (Server, error) {
	var e env
	c := Server{
		ListenAddr:    e.str("LISTEN_ADDR", ":7777"),
		TickInterval:  e.duration("TICK_INTERVAL_MS", time.Millisecond, 50*time.Millisecond),
		MaxClients:    e.int("MAX_CLIENTS", 64),
		InitPolicy:    e.str("INIT_POLICY", "reuse"),
		ArenaSize:     e.int("ARENA_SIZE", 20),
		Seed:          e.int64("SEED", time.Now().UnixNano()),
		RecordsDir:    e.str("RECORDS_DIR", ""),
		AdminAddr:     e.str("ADMIN_ADDR", ""),
		Duration:      e.duration("DURATION", time.Second, 0),
		ServerID:      e.str("SERVER_ID", "server-1"),
		EtcdEndpoints: e.list("ETCD_ENDPOINTS"),
		AdvertiseHost: e.str("ADVERTISE_HOST", ""),
		LogLevel:      e.str("LOG_LEVEL", "info"),
	}
	if e.err != nil {
		return Server{}, e.err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "UDP listen address")
	fs.DurationVar(&c.TickInterval, "tick", c.TickInterval, "snapshot broadcast interval")
	fs.IntVar(&c.MaxClients, "max-clients", c.MaxClients, "session limit")
	fs.StringVar(&c.InitPolicy, "init-policy", c.InitPolicy, "repeated INIT handling: reuse|reassign")
	fs.IntVar(&c.ArenaSize, "arena", c.ArenaSize, "arena side in cells")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "world random seed")
	fs.StringVar(&c.RecordsDir, "records", c.RecordsDir, "directory for server_positions.csv (empty disables)")
	fs.StringVar(&c.AdminAddr, "admin", c.AdminAddr, "admin HTTP address (empty disables)")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "stop after this long (0 = until interrupted)")
	fs.StringVar(&c.ServerID, "id", c.ServerID, "id registered in etcd")
	fs.Var(listFlag{&c.EtcdEndpoints}, "etcd", "comma separated etcd endpoints (empty disables registration)")
	fs.StringVar(&c.AdvertiseHost, "advertise", c.AdvertiseHost, "host to register in etcd instead of the bound one")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.BoolVar(&c.DevLog, "dev", false, "human readable logs")
	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}
	return c, c.validate()
}

func (c Server) validate() error {
	switch {
	case c.TickInterval <= 0:
		return errors.New("tick interval must be positive")
	case c.ListenAddr == "":
		return errors.New("listen address required")
	case c.Duration < 0:
		return errors.New("duration must not be negative")
	case c.InitPolicy != "reuse" && c.InitPolicy != "reassign":
		return errors.New("init policy must be reuse or reassign")
	}
	return nil
}
