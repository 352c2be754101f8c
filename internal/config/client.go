package config

import (
	"errors"
	"flag"
	"time"
)

type Client struct {
	ServerAddr    string // empty means discover through etcd
	ServerID      string // etcd id to look up; empty picks any
	EtcdEndpoints []string
	Name          string

	InitTimeout     time.Duration
	InitRetries     int
	EventRTO        time.Duration
	MaxEventRetries int
	EventPolicy     string
	MaxQueuedEvents int
	EventInterval   time.Duration // 0 disables the periodic event

	Smoothing      float64
	RenderInterval time.Duration

	RecordsDir string
	Duration   time.Duration
	LogLevel   string
	DevLog     bool
}

// LoadClient resolves client settings. args excludes the program name.
func LoadClient(args []string) (Client, error) {
	var e env
	c := Client{
		ServerAddr:      e.str("SERVER_ADDR", ""),
		ServerID:        e.str("SERVER_ID", ""),
		EtcdEndpoints:   e.list("ETCD_ENDPOINTS"),
		Name:            e.str("CLIENT_NAME", "player1"),
		InitTimeout:     e.duration("INIT_TIMEOUT_MS", time.Millisecond, 500*time.Millisecond),
		InitRetries:     e.int("INIT_RETRY_COUNT", 5),
		EventRTO:        e.duration("EVENT_RTO_MS", time.Millisecond, 120*time.Millisecond),
		MaxEventRetries: e.int("MAX_EVENT_RETRIES", 4),
		EventPolicy:     e.str("EVENT_QUEUE_POLICY", "queue"),
		MaxQueuedEvents: e.int("EVENT_QUEUE_MAX", 64),
		EventInterval:   e.duration("EVENT_INTERVAL_MS", time.Millisecond, 1500*time.Millisecond),
		Smoothing:       e.float("SMOOTHING", 0.35),
		RenderInterval:  e.duration("RENDER_INTERVAL_MS", time.Millisecond, 16*time.Millisecond),
		RecordsDir:      e.str("RECORDS_DIR", ""),
		Duration:        e.duration("DURATION", time.Second, 10*time.Second),
		LogLevel:        e.str("LOG_LEVEL", "info"),
	}
	if e.err != nil {
		return Client{}, e.err
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&c.ServerAddr, "server", c.ServerAddr, "server UDP address (empty = discover via etcd)")
	fs.StringVar(&c.ServerID, "server-id", c.ServerID, "etcd server id to join")
	fs.Var(listFlag{&c.EtcdEndpoints}, "etcd", "comma separated etcd endpoints")
	fs.StringVar(&c.Name, "name", c.Name, "name sent with INIT")
	fs.DurationVar(&c.InitTimeout, "init-timeout", c.InitTimeout, "wait for ACK(INIT)")
	fs.IntVar(&c.InitRetries, "init-retries", c.InitRetries, "INIT retransmissions before giving up")
	fs.DurationVar(&c.EventRTO, "rto", c.EventRTO, "critical event retransmission timeout")
	fs.IntVar(&c.MaxEventRetries, "max-retries", c.MaxEventRetries, "critical event retransmissions")
	fs.StringVar(&c.EventPolicy, "event-policy", c.EventPolicy, "events submitted while one is in flight: queue|drop")
	fs.IntVar(&c.MaxQueuedEvents, "event-queue", c.MaxQueuedEvents, "queued event limit (0 = unbounded)")
	fs.DurationVar(&c.EventInterval, "event-interval", c.EventInterval, "periodic critical event interval (0 disables)")
	fs.Float64Var(&c.Smoothing, "smoothing", c.Smoothing, "display smoothing factor in (0,1]")
	fs.DurationVar(&c.RenderInterval, "render", c.RenderInterval, "display interpolation interval")
	fs.StringVar(&c.RecordsDir, "records", c.RecordsDir, "directory for client_positions_<id>.csv (empty disables)")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "run time (0 = until interrupted)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.BoolVar(&c.DevLog, "dev", false, "human readable logs")
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}
	return c, c.validate()
}

func (c Client) validate() error {
	switch {
	case c.ServerAddr == "" && len(c.EtcdEndpoints) == 0:
		return errors.New("server address or etcd endpoints required")
	case c.EventRTO <= 0:
		return errors.New("event RTO must be positive")
	case c.InitTimeout <= 0:
		return errors.New("init timeout must be positive")
	case c.MaxEventRetries < 0 || c.InitRetries < 0:
		return errors.New("retry counts must not be negative")
	case c.Smoothing <= 0 || c.Smoothing > 1:
		return errors.New("smoothing must be in (0,1]")
	case c.EventPolicy != "queue" && c.EventPolicy != "drop":
		return errors.New("event policy must be queue or drop")
	case c.Duration < 0:
		return errors.New("duration must not be negative")
	}
	return nil
}
