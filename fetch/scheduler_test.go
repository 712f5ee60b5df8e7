package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hlsget/hlsget/config"
	xerrors "github.com/hlsget/hlsget/errors"
	"github.com/hlsget/hlsget/playlist"
)

func fastConfig(t *testing.T) {
	t.Helper()
	prevPause := config.DefaultBatchPause
	prevStagger := config.RecoveryStagger
	config.DefaultBatchPause = time.Millisecond
	config.RecoveryStagger = time.Millisecond
	t.Cleanup(func() {
		config.DefaultBatchPause = prevPause
		config.RecoveryStagger = prevStagger
	})
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	fastConfig(t)
	s := NewScheduler(NewClient(""), "test")
	s.delayFn = func(ErrorClass, int) time.Duration { return 0 }
	return s
}

func segmentRefs(baseURL string, n int) []playlist.SegmentRef {
	refs := make([]playlist.SegmentRef, n)
	for i := range refs {
		refs[i] = playlist.SegmentRef{Index: i, URL: fmt.Sprintf("%s/seg/%d", baseURL, i)}
	}
	return refs
}

// failFirst returns a handler that fails the first n requests to each path
// with the given status, then serves the segment body.
func failFirst(n, status int) http.HandlerFunc {
	var mu sync.Mutex
	counts := map[string]int{}
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		counts[r.URL.Path]++
		failing := counts[r.URL.Path] <= n
		mu.Unlock()
		if failing {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, "body-of-%s", r.URL.Path)
	}
}

func TestFetchAllDeliversOrderedPayloads(t *testing.T) {
	server := httptest.NewServer(failFirst(0, 0))
	defer server.Close()

	s := newTestScheduler(t)
	var mu sync.Mutex
	maxDone := 0
	res, err := s.FetchAll(context.Background(), segmentRefs(server.URL, 12), nil, playlist.FormatTS,
		func(done, total int) {
			mu.Lock()
			if done > maxDone {
				maxDone = done
			}
			require.Equal(t, 12, total)
			mu.Unlock()
		})
	require.NoError(t, err)
	require.Empty(t, res.Missing)
	require.Len(t, res.Payloads, 12)
	for i, p := range res.Payloads {
		require.Equal(t, i, p.Index)
		require.Equal(t, fmt.Sprintf("body-of-/seg/%d", i), string(p.Bytes))
	}
	require.Equal(t, 12, maxDone)
}

func TestFetchAllRetriesTransientErrors(t *testing.T) {
	server := httptest.NewServer(failFirst(2, http.StatusServiceUnavailable))
	defer server.Close()

	s := newTestScheduler(t)
	res, err := s.FetchAll(context.Background(), segmentRefs(server.URL, 4), nil, playlist.FormatTS, nil)
	require.NoError(t, err)
	require.Len(t, res.Payloads, 4)
	require.Empty(t, res.Missing)
}

func TestFetchAllRecoveryPass(t *testing.T) {
	// exhaust the primary attempt budget, succeed only in recovery
	server := httptest.NewServer(failFirst(config.PrimaryAttempts, http.StatusBadGateway))
	defer server.Close()

	s := newTestScheduler(t)
	res, err := s.FetchAll(context.Background(), segmentRefs(server.URL, 3), nil, playlist.FormatTS, nil)
	require.NoError(t, err)
	require.Len(t, res.Payloads, 3)
	require.Empty(t, res.Missing)
}

func TestFetchAllFailsBelowSuccessFloor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/seg/0" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "data")
	}))
	defer server.Close()

	s := newTestScheduler(t)
	_, err := s.FetchAll(context.Background(), segmentRefs(server.URL, 10), nil, playlist.FormatTS, nil)
	require.Error(t, err)
	require.Equal(t, xerrors.KindFetchFloor, xerrors.KindOf(err))
}

func TestFetchAllFloorErrorCitesConsecutiveGap(t *testing.T) {
	// five segments in a row return 404: the floor error must name the run
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var idx int
		_, _ = fmt.Sscanf(r.URL.Path, "/seg/%d", &idx)
		if idx >= 10 && idx <= 14 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "data")
	}))
	defer server.Close()

	s := newTestScheduler(t)
	_, err := s.FetchAll(context.Background(), segmentRefs(server.URL, 100), nil, playlist.FormatTS, nil)
	require.Error(t, err)
	require.Equal(t, xerrors.KindFetchFloor, xerrors.KindOf(err))
	require.Contains(t, err.Error(), "max_consecutive_missing=5")
}

func TestResultMaxConsecutiveMissing(t *testing.T) {
	require.Equal(t, 0, (&Result{}).MaxConsecutiveMissing())
	require.Equal(t, 1, (&Result{Missing: []int{5}}).MaxConsecutiveMissing())
	require.Equal(t, 3, (&Result{Missing: []int{5, 6, 7, 20, 21}}).MaxConsecutiveMissing())
	require.Equal(t, 2, (&Result{Missing: []int{1, 3, 4, 8}}).MaxConsecutiveMissing())
}

func TestFetchAllCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer server.Close()

	s := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.FetchAll(ctx, segmentRefs(server.URL, 5), nil, playlist.FormatTS, nil)
	require.Error(t, err)
	require.Equal(t, xerrors.KindCancelled, xerrors.KindOf(err))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchAllStallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer server.Close()

	s := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.FetchAll(ctx, segmentRefs(server.URL, 2), nil, playlist.FormatTS, nil)
	require.Error(t, err)
	require.Equal(t, xerrors.KindStallTimeout, xerrors.KindOf(err))
}

func TestFetchInitValidatesFtyp(t *testing.T) {
	ftyp := append([]byte{0, 0, 0, 24}, []byte("ftypisom footer padding!")...)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/init-good":
			_, _ = w.Write(ftyp)
		case "/init-bad":
			fmt.Fprint(w, "not an mp4 box at all")
		default:
			fmt.Fprint(w, "segment")
		}
	}))
	defer server.Close()

	s := newTestScheduler(t)
	goodInit := &playlist.SegmentRef{Index: -1, URL: server.URL + "/init-good"}
	res, err := s.FetchAll(context.Background(), segmentRefs(server.URL, 2), goodInit, playlist.FormatFMP4, nil)
	require.NoError(t, err)
	require.Equal(t, ftyp, res.Init)

	badInit := &playlist.SegmentRef{Index: -1, URL: server.URL + "/init-bad"}
	_, err = s.FetchAll(context.Background(), segmentRefs(server.URL, 2), badInit, playlist.FormatFMP4, nil)
	require.Error(t, err)
	require.Equal(t, xerrors.KindFormatInvalid, xerrors.KindOf(err))
}

func TestFetchInitFetchFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/init" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "segment")
	}))
	defer server.Close()

	s := newTestScheduler(t)
	init := &playlist.SegmentRef{Index: -1, URL: server.URL + "/init"}
	_, err := s.FetchAll(context.Background(), segmentRefs(server.URL, 2), init, playlist.FormatFMP4, nil)
	require.Error(t, err)
	require.Equal(t, xerrors.KindFetchFloor, xerrors.KindOf(err))
}
