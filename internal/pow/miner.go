package pow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
	"golang.org/x/sync/errgroup"

	"github.com/sandwichfarm/strand/internal/ops"
)

var (
	// ErrCancelled is returned when the caller's context ends before a nonce is found
	ErrCancelled = errors.New("mining cancelled")

	// ErrNonceNotFound means the search space ran out; with sane difficulties
	// this indicates a bug rather than bad luck.
	ErrNonceNotFound = errors.New("nonce not found")
)

// MaxDifficulty is the largest target that fits a 256-bit id
const MaxDifficulty = 256

// Miner searches NIP-13 nonces with a fixed pool of workers
type Miner struct {
	workers int
	logger  *ops.Logger
	now     func() nostr.Timestamp
}

// NewMiner creates a miner. workers <= 0 uses one worker per CPU.
func NewMiner(workers int, logger *ops.Logger) *Miner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = ops.Discard()
	}
	return &Miner{
		workers: workers,
		logger:  logger.WithComponent("pow"),
		now:     nostr.Now,
	}
}

// Workers returns the size of the worker pool
func (m *Miner) Workers() int {
	return m.workers
}

// template is an event serialization split around the two mutable fields
type template struct {
	head   []byte // up to created_at
	middle []byte // between created_at and the nonce value
	tail   []byte // after the nonce value
}

// newTemplate serializes evt once. evt must already carry a nonce tag whose
// value is marker.
func newTemplate(evt *nostr.Event, marker string) (*template, error) {
	serialized := evt.Serialize()

	// [0,"<pubkey>",<created_at>,...
	createdStart := len(`[0,"`) + len(evt.PubKey) + len(`",`)
	created := strconv.FormatInt(int64(evt.CreatedAt), 10)
	if len(serialized) < createdStart+len(created) ||
		string(serialized[createdStart:createdStart+len(created)]) != created {
		return nil, fmt.Errorf("unexpected serialization layout")
	}
	createdEnd := createdStart + len(created)

	offset := bytes.Index(serialized[createdEnd:], []byte(marker))
	if offset < 0 {
		return nil, fmt.Errorf("nonce placeholder missing from serialization")
	}
	nonceStart := createdEnd + offset

	return &template{
		head:   serialized[:createdStart],
		middle: serialized[createdEnd:nonceStart],
		tail:   serialized[nonceStart+len(marker):],
	}, nil
}

func (t *template) hash(buf []byte, created nostr.Timestamp, nonce uint64) ([32]byte, []byte) {
	buf = buf[:0]
	buf = append(buf, t.head...)
	buf = strconv.AppendInt(buf, int64(created), 10)
	buf = append(buf, t.middle...)
	buf = strconv.AppendUint(buf, nonce, 10)
	buf = append(buf, t.tail...)
	return sha256.Sum256(buf), buf
}

// leadingZeroBits counts the leading zero bits of an id
func leadingZeroBits(id [32]byte) int {
	count := 0
	for _, b := range id {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}

// Mine finds a nonce giving evt an id with at least difficulty leading zero
// bits. On success the nonce tag, created_at and id of evt are updated in
// place. When difficulty <= 0 nothing is mined and evt only receives a
// timestamp if it has none. On failure evt is left as it was passed in.
//
// Mine returns only after every worker has stopped.
func (m *Miner) Mine(ctx context.Context, evt *nostr.Event, difficulty int) error {
	if difficulty <= 0 {
		if evt.CreatedAt == 0 {
			evt.CreatedAt = m.now()
		}
		return nil
	}
	if difficulty > MaxDifficulty {
		return fmt.Errorf("%w: difficulty %d exceeds %d", ErrNonceNotFound, difficulty, MaxDifficulty)
	}

	start := time.Now()
	marker := uuid.NewString()
	nonceTag := nostr.Tag{"nonce", marker, strconv.Itoa(difficulty)}

	origTags, origCreated, origID := evt.Tags, evt.CreatedAt, evt.ID
	restore := func() {
		evt.Tags, evt.CreatedAt, evt.ID = origTags, origCreated, origID
	}

	tags := make(nostr.Tags, 0, len(evt.Tags)+1)
	for _, tag := range evt.Tags {
		if len(tag) > 0 && tag[0] == "nonce" {
			continue
		}
		tags = append(tags, tag)
	}
	evt.Tags = append(tags, nonceTag)
	evt.CreatedAt = m.now()

	tmpl, err := newTemplate(evt, marker)
	if err != nil {
		restore()
		return fmt.Errorf("failed to prepare mining template: %w", err)
	}

	var (
		found      atomic.Bool
		once       sync.Once
		foundNonce uint64
		foundAt    nostr.Timestamp
		foundID    [32]byte
	)

	stride := uint64(m.workers)
	var g errgroup.Group
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			buf := make([]byte, 0, len(tmpl.head)+len(tmpl.middle)+len(tmpl.tail)+40)
			for nonce := uint64(i); ; nonce += stride {
				if found.Load() {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}

				created := m.now()
				var id [32]byte
				id, buf = tmpl.hash(buf, created, nonce)
				if leadingZeroBits(id) >= difficulty {
					once.Do(func() {
						foundNonce, foundAt, foundID = nonce, created, id
						found.Store(true)
					})
					return nil
				}

				if nonce > math.MaxUint64-stride {
					return nil
				}
			}
		})
	}
	waitErr := g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		restore()
		err := fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		m.logger.LogMiningResult(difficulty, 0, time.Since(start), err)
		return err
	}
	if waitErr != nil || !found.Load() {
		restore()
		err := ErrNonceNotFound
		m.logger.LogMiningResult(difficulty, 0, time.Since(start), err)
		return err
	}

	nonceTag[1] = strconv.FormatUint(foundNonce, 10)
	evt.CreatedAt = foundAt
	evt.ID = hex.EncodeToString(foundID[:])

	if got := nip13.Difficulty(evt.GetID()); got < difficulty {
		restore()
		err := fmt.Errorf("%w: mined id has difficulty %d, want %d", ErrNonceNotFound, got, difficulty)
		m.logger.LogMiningResult(difficulty, foundNonce, time.Since(start), err)
		return err
	}

	m.logger.LogMiningResult(difficulty, foundNonce, time.Since(start), nil)
	return nil
}
