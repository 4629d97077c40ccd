package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"

	"github.com/netwayio/netway/config"
	"github.com/netwayio/netway/dns"
	"github.com/netwayio/netway/freedom"
	"github.com/netwayio/netway/proxy"
	"github.com/netwayio/netway/rules"
)

const dnsCacheTTL = 10 * time.Minute

func main() {
	configPath := flag.String("c", "netway.yaml", "path to the configuration file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("cannot load configuration")
		}
		cfg = loaded
	} else {
		log.Warn().Str("path", *configPath).Msg("configuration file not found, using defaults")
	}

	level, err := zerolog.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("unknown loglevel")
	}
	log = log.Level(level)

	var geo *geoip2.Reader
	if cfg.General.GeoIPDB != "" {
		geo, err = rules.OpenGeoIP(cfg.General.GeoIPDB)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.General.GeoIPDB).Msg("cannot open GeoIP database")
		}
		defer geo.Close()
	}

	ruleSet, err := cfg.BuildRuleSet(geo)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build rule set")
	}
	store := rules.NewStore(ruleSet)

	var resolver freedom.Resolver = dns.System{}
	if len(cfg.General.DNSServers) > 0 {
		resolver = dns.New(cfg.General.DNSServers, 5*time.Second, dnsCacheTTL)
	}

	upstreams, err := cfg.Upstreams()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build upstream dialers")
	}

	srv := proxy.New(proxy.Config{
		Rules: store,
		Auth:  cfg.AuthProvider(),
		Connector: proxy.NewConnector(
			freedom.NewDialer(resolver, cfg.General.ConnectTimeout.Std()),
			upstreams,
			cfg.General.Proxy,
		),
		HandshakeTimeout: cfg.General.HandshakeTimeout.Std(),
		IdleTimeout:      cfg.General.IdleTimeout.Std(),
		Logger:           log,
	})

	// Either listener accepts both protocols; the first byte of each
	// connection selects the handshake. Two ports are kept so clients
	// with fixed expectations find the one they want.
	for _, listen := range []string{cfg.General.SOCKS5Listen, cfg.General.HTTPListen} {
		if listen == "" {
			continue
		}
		ln, err := net.Listen("tcp", listen)
		if err != nil {
			log.Fatal().Err(err).Str("listen", listen).Msg("cannot listen")
		}
		log.Info().Str("listen", listen).Msg("listening")
		go func() {
			if err := srv.Serve(ln); err != nil {
				log.Error().Err(err).Msg("accept loop failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Stringer("signal", s).Msg("shutting down")
	srv.Close()

	stats := srv.Stats()
	log.Info().
		Int64("sessions", stats.Accepted).
		Int64("up", stats.BytesUp).
		Int64("down", stats.BytesDown).
		Msg("bye")
}
