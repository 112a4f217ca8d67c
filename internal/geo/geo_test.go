package geo

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	loc *Location
	err error
	hit int
}

func (f *fakeProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	f.hit++
	return f.loc, f.err
}

func newLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocator_Lookup_PrivateIPShortCircuits(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{loc: &Location{IP: "10.0.0.1"}}
	l := New(newLog(), p)
	defer l.Close()

	loc, err := l.Lookup(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.Nil(t, loc)
	require.Equal(t, 0, p.hit)
}

func TestLocator_Lookup_FallsThroughProvidersInOrder(t *testing.T) {
	t.Parallel()

	first := &fakeProvider{loc: nil}
	second := &fakeProvider{loc: &Location{IP: "8.8.8.8", City: "Mountain View"}}
	l := New(newLog(), first, second)
	defer l.Close()

	loc, err := l.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, "Mountain View", loc.City)
	require.Equal(t, 1, first.hit)
	require.Equal(t, 1, second.hit)
}

func TestLocator_Lookup_CachesResult(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{loc: &Location{IP: "8.8.8.8", City: "Mountain View"}}
	l := New(newLog(), p)
	defer l.Close()

	_, err := l.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	_, err = l.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	require.Equal(t, 1, p.hit)
}

func TestLocator_Lookup_NoProviderAnswers(t *testing.T) {
	t.Parallel()

	l := New(newLog(), &fakeProvider{loc: nil})
	defer l.Close()

	loc, err := l.Lookup(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.Nil(t, loc)
}

type fakeStore struct {
	saved  []*Location
	loaded []*Location
}

func (f *fakeStore) SaveGeoCache(ctx context.Context, loc *Location) error {
	f.saved = append(f.saved, loc)
	return nil
}

func (f *fakeStore) LoadGeoCache(ctx context.Context, maxAge time.Duration) ([]*Location, error) {
	return f.loaded, nil
}

func TestLocator_AttachStore_PreloadsIntoMemoryCache(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{loc: &Location{IP: "8.8.8.8", City: "Fresh"}}
	l := New(newLog(), p)
	defer l.Close()

	db := &fakeStore{loaded: []*Location{{IP: "8.8.8.8", City: "Restored"}}}
	require.Equal(t, 1, l.AttachStore(context.Background(), db, time.Hour))

	loc, err := l.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, "Restored", loc.City)
	require.Equal(t, 0, p.hit)
}

func TestLocator_Lookup_WritesThroughToStore(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{loc: &Location{IP: "8.8.8.8", City: "Mountain View"}}
	l := New(newLog(), p)
	defer l.Close()

	db := &fakeStore{}
	l.AttachStore(context.Background(), db, time.Hour)

	_, err := l.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Len(t, db.saved, 1)
	require.Equal(t, "8.8.8.8", db.saved[0].IP)
}

func TestLocator_ClearCache(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{loc: &Location{IP: "8.8.8.8"}}
	l := New(newLog(), p)
	defer l.Close()

	l.Lookup(context.Background(), "8.8.8.8")
	l.ClearCache()
	l.Lookup(context.Background(), "8.8.8.8")

	require.Equal(t, 2, p.hit)
}

func TestIsPrivateIP(t *testing.T) {
	t.Parallel()

	require.True(t, isPrivateIP("127.0.0.1"))
	require.True(t, isPrivateIP("10.1.1.1"))
	require.True(t, isPrivateIP("192.168.0.1"))
	require.True(t, isPrivateIP("172.20.0.1"))
	require.False(t, isPrivateIP("172.32.0.1"))
	require.False(t, isPrivateIP("8.8.8.8"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestIPAPIProvider_Lookup_ParsesSuccessResponse(t *testing.T) {
	t.Parallel()

	body := `{"status":"success","country":"United States","countryCode":"US","regionName":"California","city":"Mountain View","lat":37.4,"lon":-122.0,"timezone":"America/Los_Angeles","isp":"Google","org":"Google LLC"}`
	p := &IPAPIProvider{baseURL: "http://ip-api.com", client: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
	})}

	loc, err := p.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, "Mountain View", loc.City)
	require.Equal(t, 37.4, loc.Latitude)
	require.Equal(t, "Google LLC", loc.Org)
}

func TestIPAPIProvider_Lookup_FailureStatusReturnsNil(t *testing.T) {
	t.Parallel()

	body := `{"status":"fail","message":"invalid query"}`
	p := &IPAPIProvider{baseURL: "http://ip-api.com", client: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
	})}

	loc, err := p.Lookup(context.Background(), "bad-ip")
	require.NoError(t, err)
	require.Nil(t, loc)
}

func TestIPInfoProvider_Lookup_ParsesLocField(t *testing.T) {
	t.Parallel()

	body := `{"city":"Mountain View","region":"California","country":"US","org":"AS15169 Google LLC","loc":"37.4056,-122.0775"}`
	p := &IPInfoProvider{baseURL: "https://ipinfo.io", client: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
	})}

	loc, err := p.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, loc)
	require.Equal(t, 37.4056, loc.Latitude)
	require.Equal(t, -122.0775, loc.Longitude)
}

func TestIPInfoProvider_Lookup_MissingLocReturnsNil(t *testing.T) {
	t.Parallel()

	body := `{"bogon": true}`
	p := &IPInfoProvider{baseURL: "https://ipinfo.io", client: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
	})}

	loc, err := p.Lookup(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.Nil(t, loc)
}
