package uevent

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tcfw/kernel/services/go/storage/utils"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// RecordSize bounds one encoded event.
const RecordSize = 1024

var (
	ErrEventTooLarge = errors.New("uevent does not fit in a record")
	ErrQueueFull     = errors.New("uevent queue full")
	ErrInvalidAction = errors.New("invalid uevent action")
	ErrMalformed     = errors.New("malformed uevent record")
)

type Action string

const (
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionChange  Action = "change"
	ActionMove    Action = "move"
	ActionOnline  Action = "online"
	ActionOffline Action = "offline"
	ActionBind    Action = "bind"
	ActionUnbind  Action = "unbind"
)

var actions = []Action{ActionAdd, ActionRemove, ActionChange, ActionMove, ActionOnline, ActionOffline, ActionBind, ActionUnbind}

// ParseAction parses a write to a uevent attribute. Only the first word
// counts, anything after it is ignored.
func ParseAction(b []byte) (Action, error) {
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return "", errors.Wrap(ErrInvalidAction, "empty")
	}

	for _, a := range actions {
		if fields[0] == string(a) {
			return a, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidAction, "%q", fields[0])
}

// Event is a device state change announcement.
type Event struct {
	Action  Action
	DevPath string
	Seq     uint64
	Env     map[string]string
}

// FormatEnv renders env as KEY=VALUE lines in key order, the format of a
// uevent attribute read.
func FormatEnv(env map[string]string) string {
	var sb strings.Builder
	for _, k := range sortedKeys(env) {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(env[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Encode serialises e as NUL terminated KEY=VALUE pairs.
func Encode(e Event) ([]byte, error) {
	var buf bytes.Buffer

	put := func(k, v string) {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte(0)
	}

	put("ACTION", string(e.Action))
	put("DEVPATH", e.DevPath)
	put("SEQNUM", strconv.FormatUint(e.Seq, 10))
	for _, k := range sortedKeys(e.Env) {
		put(k, e.Env[k])
	}

	if buf.Len() > RecordSize {
		return nil, errors.Wrapf(ErrEventTooLarge, "%d bytes", buf.Len())
	}
	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode. Trailing zero padding is
// ignored.
func Decode(rec []byte) (Event, error) {
	e := Event{Env: map[string]string{}}

	for _, kv := range bytes.Split(bytes.TrimRight(rec, "\x00"), []byte{0}) {
		k, v, ok := strings.Cut(string(kv), "=")
		if !ok {
			return Event{}, errors.Wrapf(ErrMalformed, "pair %q", kv)
		}

		switch k {
		case "ACTION":
			e.Action = Action(v)
		case "DEVPATH":
			e.DevPath = v
		case "SEQNUM":
			seq, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return Event{}, errors.Wrap(ErrMalformed, err.Error())
			}
			e.Seq = seq
		default:
			e.Env[k] = v
		}
	}

	if e.Action == "" || e.DevPath == "" {
		return Event{}, errors.Wrap(ErrMalformed, "missing ACTION or DEVPATH")
	}
	return e, nil
}

// Queue buffers events for a single listener.
type Queue struct {
	ring    *utils.Ring
	seq     atomic.Uint64
	limiter *rate.Limiter
}

func NewQueue(depth uint64) *Queue {
	return &Queue{
		ring:    utils.NewRing(RecordSize, depth),
		limiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Emit stamps e with the next sequence number and queues it.
func (q *Queue) Emit(e Event) error {
	e.Seq = q.seq.Add(1)

	rec, err := Encode(e)
	if err != nil {
		return err
	}

	if !q.ring.Push(rec) {
		if q.limiter.Allow() {
			klog.Warningf("uevent queue full, dropping %s %s", e.Action, e.DevPath)
		}
		return ErrQueueFull
	}

	klog.V(4).InfoS("uevent", "action", e.Action, "devpath", e.DevPath, "seq", e.Seq)
	return nil
}

// Next blocks until an event is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	rec, err := q.ring.PullWait(ctx)
	if err != nil {
		return Event{}, err
	}
	return Decode(rec)
}

// Pending returns the number of queued events.
func (q *Queue) Pending() int {
	return int(q.ring.Count())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
