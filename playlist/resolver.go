package playlist

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/log"
)

// Fetcher retrieves one playlist document. Implemented by fetch.Client.
type Fetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// PlaylistRetryBackoff is swapped out by tests to fail instantly.
var PlaylistRetryBackoff = func() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 4)
}

// How many lower-bandwidth variants to probe for a missing init segment.
// Some producers put EXT-X-MAP only on non-top-quality renditions.
const initProbeVariants = 4

// Resolver turns one user-supplied playlist URL into a playable media
// playlist, descending through a master playlist when needed.
type Resolver struct {
	Fetcher Fetcher
	JobID   string
}

func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Playlist, error) {
	rawURL = Canonicalize(rawURL)
	if IsByteRangeURL(rawURL) {
		return nil, xerrors.New(xerrors.KindNetworkPlaylist, "byte-range URL rejected: %s", rawURL)
	}

	pl, err := r.fetchAndParse(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if !pl.Master {
		return pl, nil
	}

	chosen := pl.Variants[0]
	log.Log(r.JobID, "resolved master playlist", "variants", len(pl.Variants),
		"bandwidth", chosen.Bandwidth, "url", chosen.URL)

	media, err := r.fetchAndParse(ctx, chosen.URL)
	if err != nil {
		return nil, err
	}
	if media.Master {
		return nil, xerrors.New(xerrors.KindNetworkPlaylist, "variant %q resolved to another master playlist", chosen.URL)
	}

	media.Quality = chosen.Label()
	if media.Init == nil && media.Format != FormatTS {
		media.Init = r.probeForInit(ctx, pl.Variants[1:])
	}
	return media, nil
}

// probeForInit walks the next few variants in descending bandwidth and
// borrows the first init segment found.
func (r *Resolver) probeForInit(ctx context.Context, variants []Variant) *SegmentRef {
	if len(variants) > initProbeVariants {
		variants = variants[:initProbeVariants]
	}
	for _, v := range variants {
		pl, err := r.fetchAndParse(ctx, v.URL)
		if err != nil {
			log.Log(r.JobID, "init probe failed for variant", "url", v.URL, "err", err)
			continue
		}
		if !pl.Master && pl.Init != nil {
			log.Log(r.JobID, "recovered init segment from lower variant",
				"bandwidth", v.Bandwidth, "init_url", pl.Init.URL)
			return pl.Init
		}
	}
	return nil
}

func (r *Resolver) fetchAndParse(ctx context.Context, url string) (*Playlist, error) {
	var pl *Playlist
	err := backoff.Retry(func() error {
		doc, err := r.Fetcher.FetchText(ctx, url)
		if err != nil {
			return err
		}
		var warnings []string
		pl, warnings, err = Parse(doc, url)
		for _, w := range warnings {
			log.Log(r.JobID, "playlist warning", "warning", w)
		}
		if err != nil {
			// a retry would re-parse the same document
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(PlaylistRetryBackoff(), ctx))
	if err != nil {
		if errors.Is(err, ErrNoSegments) {
			return nil, xerrors.Wrap(xerrors.KindNoSegments, err, "playlist %s", url)
		}
		return nil, xerrors.Wrap(xerrors.KindNetworkPlaylist, err, "could not resolve playlist %s", url)
	}
	return pl, nil
}
