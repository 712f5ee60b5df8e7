package playlist

import (
	"context"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	xerrors "github.com/hlsget/hlsget/errors"
)

type stubFetcher struct {
	docs    map[string]string
	fetches []string
}

func (s *stubFetcher) FetchText(_ context.Context, url string) (string, error) {
	s.fetches = append(s.fetches, url)
	doc, ok := s.docs[url]
	if !ok {
		return "", fmt.Errorf("no playlist at %s", url)
	}
	return doc, nil
}

func noRetries(t *testing.T) {
	t.Helper()
	prev := PlaylistRetryBackoff
	PlaylistRetryBackoff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	t.Cleanup(func() { PlaylistRetryBackoff = prev })
}

func TestResolveMediaPlaylistDirect(t *testing.T) {
	noRetries(t)
	fetcher := &stubFetcher{docs: map[string]string{
		"https://cdn.example.com/hls/index.m3u8": "#EXTM3U\n#EXTINF:6.0,\nseg_0.ts\n#EXTINF:6.0,\nseg_1.ts\n",
	}}
	r := &Resolver{Fetcher: fetcher, JobID: "test"}

	pl, err := r.Resolve(context.Background(), "https://cdn.example.com/hls/index.m3u8")
	require.NoError(t, err)
	require.False(t, pl.Master)
	require.Len(t, pl.Segments, 2)
	require.Equal(t, FormatTS, pl.Format)
	require.Empty(t, pl.Quality)
}

func TestResolveMasterPicksTopBandwidth(t *testing.T) {
	noRetries(t)
	fetcher := &stubFetcher{docs: map[string]string{
		"https://cdn.example.com/hls/index.m3u8":      masterDoc,
		"https://cdn.example.com/hls/1080/index.m3u8": "#EXTM3U\n#EXTINF:6.0,\nseg_0.ts\n",
	}}
	r := &Resolver{Fetcher: fetcher, JobID: "test"}

	pl, err := r.Resolve(context.Background(), "https://cdn.example.com/hls/index.m3u8")
	require.NoError(t, err)
	require.Len(t, pl.Segments, 1)
	require.Equal(t, "https://cdn.example.com/hls/1080/seg_0.ts", pl.Segments[0].URL)
	require.Equal(t, "1080p", pl.Quality)
}

func TestResolveRejectsByteRangeURL(t *testing.T) {
	noRetries(t)
	r := &Resolver{Fetcher: &stubFetcher{}, JobID: "test"}

	_, err := r.Resolve(context.Background(), "https://cdn.example.com/video.mp4?range=0-1000")
	require.Error(t, err)
	require.Equal(t, xerrors.KindNetworkPlaylist, xerrors.KindOf(err))
}

func TestResolveNoSegmentsKind(t *testing.T) {
	noRetries(t)
	fetcher := &stubFetcher{docs: map[string]string{
		"https://cdn.example.com/hls/index.m3u8": "#EXTM3U\n#EXT-X-ENDLIST\n",
	}}
	r := &Resolver{Fetcher: fetcher, JobID: "test"}

	_, err := r.Resolve(context.Background(), "https://cdn.example.com/hls/index.m3u8")
	require.Error(t, err)
	require.Equal(t, xerrors.KindNoSegments, xerrors.KindOf(err))
}

func TestResolveProbesLowerVariantsForInit(t *testing.T) {
	noRetries(t)
	fetcher := &stubFetcher{docs: map[string]string{
		"https://cdn.example.com/hls/index.m3u8":      masterDoc,
		// top rendition is fMP4 but the producer forgot its EXT-X-MAP
		"https://cdn.example.com/hls/1080/index.m3u8": "#EXTM3U\n#EXTINF:6.0,\nseg_0.m4s\n",
		"https://cdn.example.com/hls/720/index.m3u8":  "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:6.0,\nseg_0.m4s\n",
	}}
	r := &Resolver{Fetcher: fetcher, JobID: "test"}

	pl, err := r.Resolve(context.Background(), "https://cdn.example.com/hls/index.m3u8")
	require.NoError(t, err)
	require.NotNil(t, pl.Init)
	require.Equal(t, "https://cdn.example.com/hls/720/init.mp4", pl.Init.URL)
	// the chosen rendition's segments are kept, only the init is borrowed
	require.Equal(t, "https://cdn.example.com/hls/1080/seg_0.m4s", pl.Segments[0].URL)
}
