// Package drive implements spec.md §4.4's drive orchestrator: a paired
// metadata/content feed replicated together over one multiplexed Stream.
// Metadata block 0 names the content feed's public key; the content
// replicator cannot start until that block is both received and parsed, so
// its channel's peer traffic must be buffered rather than dropped in the
// meantime (spec.md §4.4 "delayed feed content", §9). This mirrors the way
// node/sc coordinates a main-chain peer alongside a lazily-attached
// service-chain peer in the teacher repository.
package drive

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/feed"
	"github.com/feedmesh/feedmesh/log"
	"github.com/feedmesh/feedmesh/replicator"
	"github.com/feedmesh/feedmesh/wire"
)

var logger = log.NewModuleLogger(log.ModuleDrive)

const (
	metadataChannel = 0
	contentChannel  = 1
)

// ErrNoIndexRecord is returned when metadata block 0 cannot be parsed as an
// IndexRecord, or names a type this drive does not recognize.
var ErrNoIndexRecord = errors.New("drive: metadata block 0 is not a valid index record")

// FeedFactory builds (or opens) the Feed backing a content feed once its
// public key is known. Callers inject this rather than drive constructing
// feeds itself, since feed storage choice is explicitly out of scope
// (spec.md §1, feed.Feed's doc comment).
type FeedFactory func(pk crypto.PublicKey) (feed.Feed, error)

// Drive coordinates one metadata replicator and, once metadata block 0
// resolves the content feed's public key, one content replicator, both
// sharing the same underlying Stream via mux (spec.md §4.4).
type Drive struct {
	mux      *wire.Multiplexer
	metadata feed.Feed
	factory  FeedFactory

	contentInbox wire.Inbox

	mu      sync.Mutex
	content feed.Feed
	started bool

	readyCh chan struct{}
	readyOne sync.Once
}

// New prepares a Drive for metadataFeed, replicated over mux. It claims the
// content channel's inbox immediately so any peer traffic that arrives on
// it before the content feed is known is buffered, not dropped as unknown
// (spec.md §4.4).
func New(mux *wire.Multiplexer, metadataFeed feed.Feed, factory FeedFactory) *Drive {
	return &Drive{
		mux:          mux,
		metadata:     metadataFeed,
		factory:      factory,
		contentInbox: mux.Open(contentChannel),
		readyCh:      make(chan struct{}),
	}
}

// Ready returns a channel closed once the content feed has been resolved
// and its replicator started.
func (d *Drive) Ready() <-chan struct{} { return d.readyCh }

// ContentFeed returns the resolved content feed, or nil if it has not
// resolved yet.
func (d *Drive) ContentFeed() feed.Feed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Run replicates both feeds until ctx is cancelled or either replicator
// fails fatally. The metadata replicator is the one that upgrades the
// stream's cipher (spec.md §4.1): it is guaranteed to be the first channel
// opened on a freshly dialed/accepted connection.
func (d *Drive) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	metaCfg := replicator.Config{
		Channel:       metadataChannel,
		Feed:          d.metadata,
		Mux:           d.mux,
		UpgradeCipher: true,
		OnBlockStored: d.onMetadataBlockStored(ctx, errCh),
	}
	metaRep, err := replicator.New(metaCfg)
	if err != nil {
		return errors.Wrap(err, "drive: new metadata replicator")
	}

	go func() { errCh <- metaRep.Run(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return errors.Wrap(err, "drive: metadata replicator")
	}
}

// onMetadataBlockStored returns the OnBlockStored hook watching for block 0:
// once seen, it parses the IndexRecord, builds the content feed via the
// injected factory, and starts a content replicator on the inbox claimed in
// New (spec.md §4.4).
func (d *Drive) onMetadataBlockStored(ctx context.Context, errCh chan<- error) func(uint64, []byte) {
	return func(index uint64, value []byte) {
		if index != 0 {
			return
		}
		d.mu.Lock()
		if d.started {
			d.mu.Unlock()
			return
		}
		d.started = true
		d.mu.Unlock()

		record, err := UnmarshalIndexRecord(value)
		if err != nil {
			logger.Error("metadata block 0 is not a valid index record", "err", err)
			select {
			case errCh <- errors.Wrap(ErrNoIndexRecord, err.Error()):
			default:
			}
			return
		}
		if record.Type != IndexRecordType {
			logger.Error("metadata index record names an unsupported type", "type", record.Type)
			select {
			case errCh <- ErrNoIndexRecord:
			default:
			}
			return
		}
		if len(record.Content) != 32 {
			logger.Error("metadata index record content is not a 32-byte public key", "len", len(record.Content))
			select {
			case errCh <- ErrNoIndexRecord:
			default:
			}
			return
		}
		var pk crypto.PublicKey
		copy(pk[:], record.Content)

		contentFeed, err := d.factory(pk)
		if err != nil {
			select {
			case errCh <- errors.Wrap(err, "drive: build content feed"):
			default:
			}
			return
		}

		d.mu.Lock()
		d.content = contentFeed
		d.mu.Unlock()

		contentCfg := replicator.Config{
			Channel:       contentChannel,
			Feed:          contentFeed,
			Mux:           d.mux,
			UpgradeCipher: false,
			Inbox:         d.contentInbox,
		}
		contentRep, err := replicator.New(contentCfg)
		if err != nil {
			select {
			case errCh <- errors.Wrap(err, "drive: new content replicator"):
			default:
			}
			return
		}

		d.readyOne.Do(func() { close(d.readyCh) })

		go func() { errCh <- contentRep.Run(ctx) }()
	}
}
