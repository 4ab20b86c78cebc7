package geo

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const gpsdWatchCommand = `?WATCH={"enable":true,"json":true};` + "\n"

// tpvReport is the subset of a gpsd TPV object we use.
type tpvReport struct {
	Class string    `json:"class"`
	Mode  int       `json:"mode"`
	Time  time.Time `json:"time"`
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	Epx   float64   `json:"epx"`
	Epy   float64   `json:"epy"`
	Eph   float64   `json:"eph"`
}

func (r tpvReport) position() (Position, bool) {
	// mode 2 = 2D fix, 3 = 3D fix
	if r.Class != "TPV" || r.Mode < 2 {
		return Position{}, false
	}
	acc := math.Max(r.Epx, r.Epy)
	if acc == 0 {
		acc = r.Eph
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Position{Latitude: r.Lat, Longitude: r.Lon, AccuracyMeters: acc, Timestamp: ts}, true
}

type gpsdWatch struct {
	onPosition func(Position)
	onError    func(error)
}

// GPSD reads fixes from a gpsd daemon. One TCP connection is shared by
// one-shot requests and watches; it is reopened lazily after a failure.
type GPSD struct {
	addr        string
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	last    Position
	hasFix  bool
	waiters []chan Position
	watches map[WatchID]gpsdWatch
}

func NewGPSD(addr string) *GPSD {
	return &GPSD{
		addr:        addr,
		dialTimeout: 3 * time.Second,
		watches:     make(map[WatchID]gpsdWatch),
	}
}

func (g *GPSD) ensureConn() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", g.addr, g.dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: gpsd at %s: %v", ErrUnsupported, g.addr, err)
	}
	if _, err := conn.Write([]byte(gpsdWatchCommand)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: gpsd watch: %v", ErrUnsupported, err)
	}

	g.conn = conn
	go g.readLoop(conn)
	return nil
}

func (g *GPSD) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var report tpvReport
		if err := json.Unmarshal(scanner.Bytes(), &report); err != nil {
			continue
		}
		if pos, ok := report.position(); ok {
			g.deliver(pos)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("gpsd closed the connection")
	}
	log.Printf("gpsd: read loop ended: %v", err)

	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	watches := g.snapshotWatches()
	g.mu.Unlock()
	_ = conn.Close()

	for _, w := range watches {
		if w.onError != nil {
			w.onError(fmt.Errorf("%w: %v", ErrPositionUnavailable, err))
		}
	}
}

func (g *GPSD) snapshotWatches() []gpsdWatch {
	out := make([]gpsdWatch, 0, len(g.watches))
	for _, w := range g.watches {
		out = append(out, w)
	}
	return out
}

func (g *GPSD) deliver(pos Position) {
	g.mu.Lock()
	g.last = pos
	g.hasFix = true
	for _, ch := range g.waiters {
		ch <- pos // buffered, one value each
	}
	g.waiters = nil
	watches := g.snapshotWatches()
	g.mu.Unlock()

	for _, w := range watches {
		w.onPosition(pos)
	}
}

// CurrentPosition returns the cached fix if it is younger than
// opts.MaximumAge, otherwise waits for the next one.
func (g *GPSD) CurrentPosition(ctx context.Context, opts Options) (Position, error) {
	if err := g.ensureConn(); err != nil {
		return Position{}, err
	}

	g.mu.Lock()
	if g.hasFix && opts.MaximumAge > 0 && time.Since(g.last.Timestamp) <= opts.MaximumAge {
		pos := g.last
		g.mu.Unlock()
		return pos, nil
	}
	ch := make(chan Position, 1)
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case pos := <-ch:
		return pos, nil
	case <-ctx.Done():
		g.dropWaiter(ch)
		return Position{}, ctx.Err()
	}
}

func (g *GPSD) dropWaiter(ch chan Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == ch {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

func (g *GPSD) WatchPosition(_ Options, onPosition func(Position), onError func(error)) (WatchID, error) {
	if err := g.ensureConn(); err != nil {
		return "", err
	}

	id := WatchID(uuid.NewString())
	g.mu.Lock()
	g.watches[id] = gpsdWatch{onPosition: onPosition, onError: onError}
	g.mu.Unlock()
	return id, nil
}

func (g *GPSD) ClearWatch(id WatchID) {
	g.mu.Lock()
	delete(g.watches, id)
	g.mu.Unlock()
}

// Close drops the daemon connection.
func (g *GPSD) Close() error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
