package archive

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tallyhq/tally/internal/checkpoint"
	tallyerrors "github.com/tallyhq/tally/internal/errors"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/stream"
	"github.com/tallyhq/tally/internal/stream/segment"
)

// SegmentSource lists and removes sealed log segments.
type SegmentSource interface {
	Segments() []segment.SegmentInfo
	RemoveSegment(info segment.SegmentInfo) error
}

// Options configures an Archiver.
type Options struct {
	// Group is the consumer group whose cursors decide what has been consumed.
	Group string
	// Prefix is prepended to every object path.
	Prefix string
	// Concurrency bounds parallel uploads.
	Concurrency int
	// Keep leaves archived segments in the local log.
	Keep    bool
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Report summarizes one archive run.
type Report struct {
	// Uploaded lists object paths written during the run.
	Uploaded []string
	// Pending counts sealed segments not yet fully consumed.
	Pending int
}

// Archiver uploads sealed segments that the consumer group has fully
// committed, then removes them from the local log.
type Archiver struct {
	source      SegmentSource
	checkpoints checkpoint.Store
	storage     ObjectStorage
	opts        Options
	logger      logrus.FieldLogger
}

// New creates an archiver.
func New(source SegmentSource, checkpoints checkpoint.Store, storage ObjectStorage, opts Options) *Archiver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Archiver{
		source:      source,
		checkpoints: checkpoints,
		storage:     storage,
		opts:        opts,
		logger:      logger.WithField("component", "archiver"),
	}
}

// ObjectPath is where a segment is stored: prefix/partition/file.
func (a *Archiver) ObjectPath(info segment.SegmentInfo) string {
	return path.Join(a.opts.Prefix, info.Partition, filepath.Base(info.Path))
}

// Run archives every eligible segment once. A segment is eligible when its
// last token is at or below the group's committed cursor for its partition.
// Segments already present in storage are not uploaded again but are still
// removed locally.
func (a *Archiver) Run(ctx context.Context) (Report, error) {
	cursors, err := a.checkpoints.List(a.opts.Group)
	if err != nil {
		return Report{}, tallyerrors.NewInfrastructureError(tallyerrors.CodeCheckpointFailed, "failed to list cursors", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)

	for _, info := range a.source.Segments() {
		cursor, ok := cursors[info.Partition]
		if !ok || stream.CompareTokens(info.LastToken(), cursor) > 0 {
			report.Pending++
			continue
		}

		info := info
		g.Go(func() error {
			objectPath, uploaded, err := a.archive(gctx, info)
			if err != nil {
				return err
			}
			if uploaded {
				mu.Lock()
				report.Uploaded = append(report.Uploaded, objectPath)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	a.logger.WithFields(logrus.Fields{
		"uploaded": len(report.Uploaded),
		"pending":  report.Pending,
	}).Info("archive run complete")
	return report, nil
}

func (a *Archiver) archive(ctx context.Context, info segment.SegmentInfo) (string, bool, error) {
	objectPath := a.ObjectPath(info)
	logger := a.logger.WithFields(logrus.Fields{"partition": info.Partition, "object": objectPath})

	exists, err := a.storage.Exists(ctx, objectPath)
	if err != nil {
		return "", false, tallyerrors.NewInfrastructureError(tallyerrors.CodeUploadFailed,
			fmt.Sprintf("failed to check %s", objectPath), err)
	}

	uploaded := false
	if !exists {
		etag, err := a.storage.Upload(ctx, info.Path, objectPath)
		if err != nil {
			return "", false, tallyerrors.NewInfrastructureError(tallyerrors.CodeUploadFailed,
				fmt.Sprintf("failed to upload %s", objectPath), err)
		}
		uploaded = true
		a.opts.Metrics.SegmentArchived()
		logger.WithField("etag", etag).Info("segment archived")
	}

	if a.opts.Keep {
		return objectPath, uploaded, nil
	}
	if err := a.source.RemoveSegment(info); err != nil {
		return "", false, tallyerrors.NewInfrastructureError(tallyerrors.CodeWriteFailed,
			fmt.Sprintf("failed to remove archived segment %s", info.Path), err)
	}
	return objectPath, uploaded, nil
}

// List returns the archived object paths under the configured prefix.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	return a.storage.ListObjects(ctx, a.opts.Prefix)
}
