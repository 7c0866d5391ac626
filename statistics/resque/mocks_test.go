package resque

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/gomodule/redigo/redis"
)

// fakeRedis is a tiny in-memory Redis covering the commands the backend
// issues. Every connection shares the same data.
type fakeRedis struct {
	mu       sync.Mutex
	strings  map[string]string
	sets     map[string]map[string]bool
	lists    map[string][]string
	commands []string
	failOn   map[string]error
	dialErr  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings: make(map[string]string),
		sets:    make(map[string]map[string]bool),
		lists:   make(map[string][]string),
		failOn:  make(map[string]error),
	}
}

func (f *fakeRedis) dial() (redis.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeConn{redis: f}, nil
}

func (f *fakeRedis) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strings[key]
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.strings[key]
	return ok
}

func (f *fakeRedis) members(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out
}

func (f *fakeRedis) list(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...)
}

func (f *fakeRedis) exec(cmd string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cmd == "" {
		return nil, nil
	}
	f.commands = append(f.commands, cmd)
	if err := f.failOn[cmd]; err != nil {
		return nil, err
	}

	str := func(i int) string { return toString(args[i]) }

	switch cmd {
	case "PING":
		return "PONG", nil
	case "MULTI":
		return "OK", nil
	case "EXEC":
		return []interface{}{}, nil
	case "SET":
		f.strings[str(0)] = str(1)
		return "OK", nil
	case "DEL":
		for i := range args {
			delete(f.strings, str(i))
		}
		return int64(len(args)), nil
	case "INCR":
		n, _ := strconv.ParseInt(f.strings[str(0)], 10, 64)
		n++
		f.strings[str(0)] = strconv.FormatInt(n, 10)
		return n, nil
	case "SADD":
		if f.sets[str(0)] == nil {
			f.sets[str(0)] = make(map[string]bool)
		}
		f.sets[str(0)][str(1)] = true
		return int64(1), nil
	case "SREM":
		delete(f.sets[str(0)], str(1))
		return int64(1), nil
	case "RPUSH":
		f.lists[str(0)] = append(f.lists[str(0)], str(1))
		return int64(len(f.lists[str(0)])), nil
	case "MGET":
		out := make([]interface{}, len(args))
		for i := range args {
			if v, ok := f.strings[str(i)]; ok {
				out[i] = []byte(v)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported command %s", cmd)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	}
	return fmt.Sprint(v)
}

// fakeConn executes commands immediately; Send queues the reply
type fakeConn struct {
	redis   *fakeRedis
	pending []interface{}
	err     error
}

func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Err() error   { return c.err }

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	var firstErr error
	for _, reply := range c.pending {
		if err, ok := reply.(error); ok && firstErr == nil {
			firstErr = err
		}
	}
	c.pending = nil

	reply, err := c.redis.exec(cmd, args...)
	if err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return reply, nil
}

func (c *fakeConn) Send(cmd string, args ...interface{}) error {
	reply, err := c.redis.exec(cmd, args...)
	if err != nil {
		c.pending = append(c.pending, err)
		return nil
	}
	c.pending = append(c.pending, reply)
	return nil
}

func (c *fakeConn) Flush() error { return nil }

func (c *fakeConn) Receive() (interface{}, error) {
	if len(c.pending) == 0 {
		return nil, fmt.Errorf("no pending replies")
	}
	reply := c.pending[0]
	c.pending = c.pending[1:]
	if err, ok := reply.(error); ok {
		return nil, err
	}
	return reply, nil
}
