package esl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"dialcore/internal/config"
)

// Event is a single switch event with its headers. Channel variables set at
// originate time appear as "variable_<name>" headers.
type Event struct {
	Name    string
	Headers map[string]string
}

// Get returns a header value.
func (e Event) Get(key string) string {
	return e.Headers[key]
}

// Var returns a channel variable echoed on the event.
func (e Event) Var(name string) string {
	return e.Headers["variable_"+name]
}

// UUID returns the switch-side channel id.
func (e Event) UUID() string {
	return e.Headers["Unique-ID"]
}

type command struct {
	text  string
	reply chan frame
}

type frame struct {
	headers map[string]string
	body    string
	err     error
}

// Client maintains one long-lived authenticated connection to the media
// switch event socket. Events fan out to subscribers; command submission
// happens on a dedicated writer so callers never block on switch I/O beyond
// enqueueing.
type Client struct {
	cfg *config.SwitchConfig

	mu          sync.Mutex
	conn        net.Conn
	reader      *bufio.Reader
	connected   bool
	subscribers []chan Event

	submitCh chan command
	bestCh   chan string

	pendingMu sync.Mutex
	pending   []chan frame // FIFO; replies arrive in submission order

	done     chan struct{}
	stopOnce sync.Once

	// OnFatal is invoked when the event stream is unrecoverable
	// (authentication rejected). The process is expected to exit.
	OnFatal func(error)
}

// NewClient creates a switch client. Connect must be called before use.
func NewClient(cfg *config.SwitchConfig) *Client {
	return &Client{
		cfg:      cfg,
		submitCh: make(chan command, 256),
		bestCh:   make(chan string, 1024),
		done:     make(chan struct{}),
	}
}

// Connect dials the switch, authenticates and subscribes to channel events.
func (c *Client) Connect() error {
	addr := c.cfg.Address()
	log.Printf("[ESL] Connecting to %s", addr)

	conn, err := net.DialTimeout("tcp", addr, c.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("dialing switch: %w", err)
	}

	reader := bufio.NewReader(conn)

	// The switch greets with an auth request frame.
	greeting, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading auth request: %w", err)
	}
	if ct := greeting.headers["Content-Type"]; ct != "auth/request" {
		conn.Close()
		return fmt.Errorf("unexpected greeting content-type %q", ct)
	}

	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.cfg.Password); err != nil {
		conn.Close()
		return fmt.Errorf("sending auth: %w", err)
	}
	reply, err := readFrame(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading auth reply: %w", err)
	}
	if !strings.HasPrefix(reply.headers["Reply-Text"], "+OK") {
		conn.Close()
		err := fmt.Errorf("switch rejected credentials: %s", reply.headers["Reply-Text"])
		if c.OnFatal != nil {
			c.OnFatal(err)
		}
		return err
	}

	if _, err := fmt.Fprintf(conn,
		"event plain CHANNEL_CREATE CHANNEL_ANSWER CHANNEL_BRIDGE CHANNEL_HANGUP_COMPLETE\n\n"); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to events: %w", err)
	}
	if reply, err = readFrame(reader); err != nil {
		conn.Close()
		return fmt.Errorf("reading event subscription reply: %w", err)
	}
	if !strings.HasPrefix(reply.headers["Reply-Text"], "+OK") {
		conn.Close()
		return fmt.Errorf("event subscription refused: %s", reply.headers["Reply-Text"])
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.connected = true
	c.mu.Unlock()

	log.Printf("[ESL] Connected and subscribed to channel events")

	go c.readLoop(conn, reader)
	return nil
}

// Start launches the command writer and the best-effort worker pool.
// Separate from Connect so reconnects do not respawn workers.
func (c *Client) Start() {
	go c.writeLoop()
	workers := c.cfg.CommandWorkers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go c.bestEffortLoop()
	}
}

// Subscribe returns a channel receiving every switch event. Slow subscribers
// drop events rather than stall the read loop.
func (c *Client) Subscribe() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, 2048)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// Close tears down the connection and stops all loops.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		f, err := readFrame(reader)
		if err != nil {
			if c.closed() {
				return
			}
			log.Printf("[ESL] Event stream lost: %v", err)
			c.failPending(err)
			c.reconnect()
			return // Connect spawned a fresh readLoop
		}

		switch ct := f.headers["Content-Type"]; ct {
		case "command/reply", "api/response":
			c.resolvePending(f)
		case "text/event-plain":
			ev := parseEvent(f.body)
			c.broadcast(ev)
		case "text/disconnect-notice":
			log.Printf("[ESL] Switch sent disconnect notice")
		default:
			// Heartbeats and other frames are ignored.
		}
	}
}

func (c *Client) broadcast(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}
}

func (c *Client) resolvePending(f frame) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.pending) == 0 {
		return
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	ch <- f
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pending {
		ch <- frame{err: err}
	}
	c.pending = nil
}

// reconnect retries with exponential backoff until the switch accepts the
// connection again. Events missed during the outage are lost; the watchdog
// reaps calls whose hangup was missed.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	backoff := c.cfg.ReconnectMin
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		if c.closed() {
			return
		}
		log.Printf("[ESL] Reconnecting in %s", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(); err != nil {
			log.Printf("[ESL] Reconnect failed: %v", err)
			backoff *= 2
			if max := c.cfg.ReconnectMax; max > 0 && backoff > max {
				backoff = max
			}
			continue
		}
		return
	}
}

// sendCommand submits a command frame and waits for the switch reply.
func (c *Client) sendCommand(ctx context.Context, text string) (frame, error) {
	cmd := command{text: text, reply: make(chan frame, 1)}

	select {
	case c.submitCh <- cmd:
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, fmt.Errorf("switch client closed")
	}

	select {
	case f := <-cmd.reply:
		if f.err != nil {
			return frame{}, f.err
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, fmt.Errorf("switch client closed")
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.submitCh:
			c.mu.Lock()
			conn := c.conn
			ok := c.connected
			c.mu.Unlock()

			if !ok || conn == nil {
				cmd.reply <- frame{err: fmt.Errorf("not connected to switch")}
				continue
			}

			c.pendingMu.Lock()
			c.pending = append(c.pending, cmd.reply)
			c.pendingMu.Unlock()

			if _, err := io.WriteString(conn, cmd.text+"\n\n"); err != nil {
				log.Printf("[ESL] Write failed: %v", err)
				// The read loop notices the broken socket and fails pending.
			}
		}
	}
}

// submitBestEffort queues a fire-and-forget command (DTMF, playback, hold).
// Failures are logged, never retried.
func (c *Client) submitBestEffort(text string) {
	select {
	case c.bestCh <- text:
	default:
		log.Printf("[ESL] Best-effort queue full, dropping command")
	}
}

func (c *Client) bestEffortLoop() {
	for {
		select {
		case <-c.done:
			return
		case text := <-c.bestCh:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
			f, err := c.sendCommand(ctx, text)
			cancel()
			if err != nil {
				log.Printf("[ESL] Best-effort command failed: %v", err)
				continue
			}
			if rt := f.headers["Reply-Text"]; rt != "" && !strings.HasPrefix(rt, "+OK") {
				log.Printf("[ESL] Best-effort command refused: %s", rt)
			}
		}
	}
}

// readFrame reads one header block plus optional Content-Length body.
func readFrame(r *bufio.Reader) (frame, error) {
	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(headers) == 0 {
				continue // tolerate blank keep-alive lines
			}
			break
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			headers[k] = v
		}
	}

	var body string
	if cl := headers["Content-Length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return frame{}, fmt.Errorf("bad Content-Length %q", cl)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return frame{}, err
		}
		body = string(buf)
	}

	return frame{headers: headers, body: body}, nil
}

// parseEvent decodes a plain-format event body into an Event.
func parseEvent(body string) Event {
	headers := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			headers[k] = v
		}
	}
	return Event{Name: headers["Event-Name"], Headers: headers}
}
