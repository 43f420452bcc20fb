// Package listener multiplexes tcp/udp/http transports into the
// uniform "(bytes, session, msg_vars)" dispatch the decoder contract
// expects, using a *Service with New/Reload/Close that runs each
// listener's accept or serve loop in a goroutine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/example/n2kafka/config"
	"github.com/example/n2kafka/internal/broker"
	"github.com/example/n2kafka/internal/decoder"
	"github.com/example/n2kafka/internal/metrics"
	"github.com/example/n2kafka/internal/warn"
)

// Dispatcher resolves a listener's configured decode_as name to the
// decoder instance backing it.
type Dispatcher interface {
	Decoder(name string) (decoder.Decoder, bool)
}

// Authorizer validates the (topic, sensor_uuid) pair a redborder_uri
// request carries in its path, before any bytes reach the decoder,
// returning the 400/401/403 contract as sentinel errors. It is
// deliberately decoupled from internal/registry and internal/topic, the
// same way internal/broker.Producer is decoupled from a concrete broker
// client.
type Authorizer interface {
	Authorize(topic, sensorUUID string) error
}

// Sentinel errors Authorize returns; the HTTP handler maps them to
// status codes.
var (
	ErrUnknownTopic  = errors.New("listener: unknown topic")
	ErrUnknownSensor = errors.New("listener: unknown sensor")
)

const maxDeflateWindow = 512 * 1024 // 512 KiB inflate window

var redborderPath = regexp.MustCompile(`^/rbdata/([^/]+)/([^/]+)$`)

// Service owns every live listener and swaps them by port on reload.
type Service struct {
	mu        sync.Mutex
	listeners map[uint16]*runningListener

	dispatch  Dispatcher
	authorize Authorizer
	producer  broker.Producer
	blacklist map[string]struct{}
	logger    *log.Logger

	brokerWarn *warn.Table
}

type runningListener struct {
	cfg    config.ListenerConfig
	closer func() error
}

// New creates an empty listener service. Reload installs the first
// generation of listeners.
func New(dispatch Dispatcher, authorize Authorizer, producer broker.Producer, logger *log.Logger) *Service {
	return &Service{
		listeners:  make(map[uint16]*runningListener),
		dispatch:   dispatch,
		authorize:  authorize,
		producer:   producer,
		logger:     logger,
		brokerWarn: warn.NewTable(warn.DefaultThreshold, logger),
	}
}

// SetBlacklist installs the set of source IPs refused outright (the
// SPEC_FULL.md-supplemented feature from original_source's blacklist
// handling).
func (s *Service) SetBlacklist(ips []string) {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	s.mu.Lock()
	s.blacklist = set
	s.mu.Unlock()
}

func (s *Service) blacklisted(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklist[ip]
	return ok
}

// Reload diffs cfgs against the live generation by port: a port present
// in both keeps its running listener unless its decode_as or proto
// changed, in which case it is restarted; a port missing from cfgs is
// stopped, and a new port is created. A listener that keeps running
// keeps serving with the configuration it was started with: changes to
// its other fields (enrichment, redborder_uri, connection limits) are
// recorded but do not reach the running handler.
func (s *Service) Reload(cfgs []config.ListenerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[uint16]config.ListenerConfig, len(cfgs))
	for _, c := range cfgs {
		wanted[c.Port] = c
	}

	for port, running := range s.listeners {
		if _, ok := wanted[port]; !ok {
			if err := running.closer(); err != nil {
				s.logger.Printf("listener: stop port %d: %v", port, err)
			}
			delete(s.listeners, port)
		}
	}

	for port, c := range wanted {
		if running, ok := s.listeners[port]; ok {
			if running.cfg.Proto == c.Proto && running.cfg.DecodeAs == c.DecodeAs {
				running.cfg = c
				continue
			}
			if err := running.closer(); err != nil {
				s.logger.Printf("listener: restart port %d: %v", port, err)
			}
			delete(s.listeners, port)
		}
		closer, err := s.start(c)
		if err != nil {
			return fmt.Errorf("listener: start port %d: %w", port, err)
		}
		s.listeners[port] = &runningListener{cfg: c, closer: closer}
	}
	return nil
}

// Close stops every live listener.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for port, running := range s.listeners {
		if err := running.closer(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.listeners, port)
	}
	return firstErr
}

func (s *Service) start(c config.ListenerConfig) (func() error, error) {
	switch c.Proto {
	case "http":
		return s.startHTTP(c)
	case "tcp":
		return s.startTCP(c)
	case "udp":
		return s.startUDP(c)
	default:
		return nil, fmt.Errorf("unknown proto %q", c.Proto)
	}
}

// StartAdmin launches a Prometheus scrape endpoint on port, separate
// from the ingestion listeners reload churns. The returned closer stops
// it; callers that never configure an admin port simply never call this.
func (s *Service) StartAdmin(port uint16) (func() error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.MetricsHandler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("listener: admin port %d: %v", port, err)
		}
	}()

	return func() error { return srv.Close() }, nil
}

// startHTTP launches a *http.Server in a goroutine, stopped via Close.
func (s *Service) startHTTP(c config.ListenerConfig) (func() error, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.httpHandler(c))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", c.Port), Handler: metrics.HTTPMiddleware(fmt.Sprintf("%d", c.Port), mux.ServeHTTP)}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("listener: http port %d: %v", c.Port, err)
		}
	}()

	return func() error { return srv.Close() }, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) httpHandler(c config.ListenerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.blacklisted(ip) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		vars := decoder.MsgVars{ClientIP: ip, ListenerEnrichment: c.Enrichment}

		if c.RedborderURI {
			m := redborderPath.FindStringSubmatch(r.URL.Path)
			if m == nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			sensorUUID, topic := m[1], m[2]
			if s.authorize != nil {
				if err := s.authorize.Authorize(topic, sensorUUID); err != nil {
					switch {
					case errors.Is(err, ErrUnknownSensor):
						w.WriteHeader(http.StatusUnauthorized)
					case errors.Is(err, ErrUnknownTopic):
						w.WriteHeader(http.StatusForbidden)
					default:
						w.WriteHeader(http.StatusBadRequest)
					}
					return
				}
			}
			vars.Topic = topic
			vars.SensorUUID = sensorUUID
		}

		body := io.Reader(r.Body)
		if r.Header.Get("Content-Encoding") == "deflate" {
			body = io.LimitReader(flate.NewReader(r.Body), maxDeflateWindow)
		}

		dec, ok := s.dispatch.Decoder(c.DecodeAs)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if err := s.dispatchBody(dec, vars, body, c.ConnectionMemoryLimit); err != nil {
			s.logger.Printf("listener: port %d: %v", c.Port, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// dispatchBody implements the dispatch contract: a streaming decoder is
// fed repeated chunks with an empty-buffer finalize; a batch decoder
// accumulates the whole body (bounded by maxBytes, 0 meaning unbounded)
// and is called exactly once.
func (s *Service) dispatchBody(dec decoder.Decoder, vars decoder.MsgVars, body io.Reader, maxBytes int64) error {
	if sd, ok := dec.(decoder.StreamDecoder); ok {
		sess, err := sd.NewSession(vars)
		if err != nil {
			return err
		}
		buf := make([]byte, 32*1024)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				msgs, ferr := sess.Feed(buf[:n])
				if ferr != nil {
					return ferr
				}
				s.produce(dec.Name(), msgs)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		msgs, err := sess.Feed(nil)
		if err != nil {
			return err
		}
		s.produce(dec.Name(), msgs)
		return nil
	}

	bd, ok := dec.(decoder.BatchDecoder)
	if !ok {
		return fmt.Errorf("decoder %s supports neither batch nor streaming dispatch", dec.Name())
	}

	var reader io.Reader = body
	if maxBytes > 0 {
		reader = io.LimitReader(body, maxBytes+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return fmt.Errorf("request body exceeds connection_memory_limit of %d bytes", maxBytes)
	}

	start := time.Now()
	msgs, err := bd.Decode(vars, raw)
	metrics.RecordDecode(dec.Name(), time.Since(start))
	if err != nil {
		return err
	}
	s.produce(dec.Name(), msgs)
	return nil
}

func (s *Service) produce(decoderName string, msgs []broker.Message) {
	if len(msgs) == 0 || s.producer == nil {
		return
	}
	for i, err := range s.producer.ProduceBatch(context.Background(), msgs) {
		if err == nil {
			metrics.RecordProduced(decoderName, msgs[i].Topic)
			continue
		}
		metrics.RecordDropped(decoderName, "produce-error")
		if class := broker.ClassOf(err); class != "" {
			metrics.RecordBrokerTransientError(class)
			s.brokerWarn.Warn(class, fmt.Sprintf("listener: produce to %s: %v", msgs[i].Topic, err))
		}
	}
}

// startTCP accepts connections and treats each connection as one
// request: a stream decoder is fed the connection's bytes chunk by
// chunk as they arrive and finalized on EOF; a batch decoder
// accumulates the whole connection body first.
func (s *Service) startTCP(c config.ListenerConfig) (func() error, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.Port))
	if err != nil {
		return nil, err
	}

	var active int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleTCPConn(c, conn, &active)
		}
	}()

	return ln.Close, nil
}

func (s *Service) handleTCPConn(c config.ListenerConfig, conn net.Conn, active *int64) {
	defer conn.Close()

	listenerName := strconv.Itoa(int(c.Port))
	metrics.SetActiveConnections(listenerName, float64(atomic.AddInt64(active, 1)))
	defer func() { metrics.SetActiveConnections(listenerName, float64(atomic.AddInt64(active, -1))) }()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if s.blacklisted(ip) {
		return
	}

	dec, ok := s.dispatch.Decoder(c.DecodeAs)
	if !ok {
		s.logger.Printf("tcp listener port %d: unknown decoder %q", c.Port, c.DecodeAs)
		return
	}

	vars := decoder.MsgVars{ClientIP: ip, ListenerEnrichment: c.Enrichment}
	if err := s.dispatchBody(dec, vars, conn, c.ConnectionMemoryLimit); err != nil {
		s.logger.Printf("tcp listener port %d: %v", c.Port, err)
	}
}

// startUDP treats each datagram as one complete, independent message:
// UDP has no connection to signal end-of-stream, so every packet is
// handed to a batch decoder's Decode exactly once (or fed then
// finalized immediately, for a streaming decoder).
func (s *Service) startUDP(c config.ListenerConfig) (func() error, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(c.Port)})
	if err != nil {
		return nil, err
	}

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			payload := append([]byte(nil), buf[:n]...)
			go s.handleUDPDatagram(c, addr.IP.String(), payload)
		}
	}()

	return conn.Close, nil
}

func (s *Service) handleUDPDatagram(c config.ListenerConfig, ip string, payload []byte) {
	if s.blacklisted(ip) {
		return
	}
	dec, ok := s.dispatch.Decoder(c.DecodeAs)
	if !ok {
		s.logger.Printf("udp listener port %d: unknown decoder %q", c.Port, c.DecodeAs)
		return
	}

	vars := decoder.MsgVars{ClientIP: ip, ListenerEnrichment: c.Enrichment}
	if sd, ok := dec.(decoder.StreamDecoder); ok {
		sess, err := sd.NewSession(vars)
		if err != nil {
			s.logger.Printf("udp listener port %d: %v", c.Port, err)
			return
		}
		if _, err := sess.Feed(payload); err != nil {
			s.logger.Printf("udp listener port %d: %v", c.Port, err)
			return
		}
		msgs, err := sess.Feed(nil)
		if err != nil {
			s.logger.Printf("udp listener port %d: %v", c.Port, err)
			return
		}
		s.produce(dec.Name(), msgs)
		return
	}

	bd, ok := dec.(decoder.BatchDecoder)
	if !ok {
		return
	}
	msgs, err := bd.Decode(vars, payload)
	if err != nil {
		s.logger.Printf("udp listener port %d: %v", c.Port, err)
		return
	}
	s.produce(dec.Name(), msgs)
}
