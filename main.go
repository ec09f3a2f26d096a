package main

import (
	"flag"
	"net"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proxylab/hproxy/cache"
	"github.com/proxylab/hproxy/clients"
	"github.com/proxylab/hproxy/config"
	"github.com/proxylab/hproxy/log"
)

var configFile = flag.String("config", "", "Proxy configuration filename; built-in defaults are used when empty")

func main() {
	flag.Parse()

	// A .env file, when present, feeds the ${VAR} placeholders
	// in the config.
	if err := godotenv.Load(); err == nil {
		log.Debugf("loaded .env file")
	}

	cfg := config.Default()
	if len(*configFile) > 0 {
		log.Infof("Loading config: %s", *configFile)
		c, err := config.LoadFile(*configFile)
		if err != nil {
			log.Fatalf("can't load config %q: %s", *configFile, err)
		}
		cfg = c
		log.Infof("Loading config: %s", "success")
	}
	log.SetDebug(cfg.LogDebug)

	registerMetrics()

	proxyCache, err := newCache(cfg.Cache)
	if err != nil {
		log.Fatalf("cannot initialize cache: %s", err)
	}
	log.Infof("Using %q cache", proxyCache.Name())

	sink := NewAsyncSink(defaultEventBufferSize)
	proxy := newProxyServer(cfg, proxyCache, sink)

	if len(cfg.Server.MetricsAddr) > 0 {
		go serveMetrics(cfg.Server.MetricsAddr)
	}

	ln, err := newListener(cfg.Server.ListenAddr, cfg.Server.AllowedNetworks)
	if err != nil {
		log.Fatalf("cannot listen for %q: %s", cfg.Server.ListenAddr, err)
	}

	if _, err := sdNotifyReady(); err != nil {
		log.Errorf("cannot notify systemd: %s", err)
	}

	sink.Publish(Startup{Port: listenPort(cfg.Server.ListenAddr)})
	log.Infof("Serving proxy on %q", cfg.Server.ListenAddr)
	log.Fatalf("Proxy server error: %s", proxy.Serve(ln))
}

func newCache(cfg config.Cache) (cache.Cache, error) {
	if cfg.Mode == "redis" {
		client, err := clients.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisCache(client), nil
	}
	return cache.NewMemoryCache(cfg), nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Serving metrics on %q", addr)
	log.Fatalf("Metrics server error: %s", http.ListenAndServe(addr, mux))
}

type netListener struct {
	net.Listener

	allowedNetworks config.Networks
}

func newListener(laddr string, allowedNetworks config.Networks) (*netListener, error) {
	ln, err := net.Listen("tcp4", laddr)
	if err != nil {
		return nil, err
	}

	return &netListener{
		Listener:        ln,
		allowedNetworks: allowedNetworks,
	}, nil
}

func (ln *netListener) Accept() (net.Conn, error) {
	for {
		conn, err := ln.Listener.Accept()
		if err != nil {
			return nil, err
		}

		remoteAddr := conn.RemoteAddr().String()
		if !ln.allowedNetworks.Contains(remoteAddr) {
			log.Errorf("connections are not allowed from %s", remoteAddr)
			conn.Close()
			continue
		}

		return conn, nil
	}
}
