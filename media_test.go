package trybesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trybe-app/trybesync/internal/testenv"
	"github.com/trybe-app/trybesync/pkg/docstore/memstore"
	"github.com/trybe-app/trybesync/pkg/models"
)

const (
	photoRef     = "gs://trybe-prod.appspot.com/groups/g1/cover.jpg"
	photoPath    = "groups/g1/cover.jpg"
	trustedPhoto = "https://firebasestorage.googleapis.com/v0/b/trybe-prod/o/groups%2Fg1%2Fcover.jpg?alt=media"
)

func photoGroup(photos ...string) models.Group {
	g := climbGroup()
	g.Photos = photos
	return g
}

func resolvedPhotos(f *fixture) []string {
	g, ok := f.engine.Group("g1")
	if !ok {
		return nil
	}
	return g.ResolvedPhotos
}

func TestIsTerminal(t *testing.T) {
	for ref, want := range map[string]bool{
		"https://example.com/a.jpg":  true,
		"HTTP://example.com/a.jpg":   true,
		"data:image/png;base64,AAAA": true,
		"blob:https://app/123":       true,
		"file:///tmp/a.jpg":          true,
		"  https://example.com/a ":   true,
		"gs://bucket/a.jpg":          false,
		"groups/g1/a.jpg":            false,
		"":                           false,
	} {
		assert.Equal(t, want, IsTerminal(ref), ref)
	}
}

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{photoRef, photoPath},
		{"/groups/g1/cover.jpg", photoPath},
		{"  groups/g1/cover.jpg\n", photoPath},
		{"gs://bucket-only", ""},
		{"avatars/bob.png", "avatars/bob.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRef(tt.in), tt.in)
	}
}

func TestTrustedHosts(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) {
		c.TrustedHosts = []string{"firebasestorage.googleapis.com", ".example-cdn.net"}
	}))
	for raw, want := range map[string]bool{
		trustedPhoto:                              true,
		"https://FirebaseStorage.googleapis.com/": true,
		"http://firebasestorage.googleapis.com/x": false,
		"https://evil-firebasestorage.googleapis.com.attacker.io/x": false,
		"https://img.example-cdn.net/a.jpg":                         true,
		"https://example-cdn.net/a.jpg":                             true,
		"https://notexample-cdn.net/a.jpg":                          false,
		"::not a url":                                               false,
	} {
		assert.Equal(t, want, f.engine.isTrusted(raw), raw)
	}
}

func TestTerminalRefsSkipResolver(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, photoGroup("https://example.com/a.jpg"))
	f.refresh(t)

	assert.Equal(t, []string{"https://example.com/a.jpg"}, resolvedPhotos(f))

	u, err := f.engine.ResolveMedia(testCtx(t), "data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAAA", u)
	assert.Empty(t, f.objects.Calls())
}

func TestTrustedResolutionWrittenBack(t *testing.T) {
	f := newFixture(t, withObjects(map[string]string{photoPath: trustedPhoto}))
	testenv.SeedGroup(t, f.store, photoGroup(photoRef))
	f.refresh(t)

	assert.Eventually(t, func() bool {
		return testenv.LoadGroup(t, f.store, "g1").Photos[0] == trustedPhoto
	}, waitFor, tick)
	assert.Equal(t, []string{trustedPhoto}, resolvedPhotos(f))
	assert.Equal(t, []string{photoPath}, f.objects.Calls())
	assert.Equal(t, trustedPhoto, f.engine.DisplayURL(photoRef))
}

func TestUntrustedResolutionStaysLocal(t *testing.T) {
	untrusted := "https://cdn.example.com/cover.jpg"
	f := newFixture(t, withObjects(map[string]string{photoPath: untrusted}))
	testenv.SeedGroup(t, f.store, photoGroup(photoRef))
	f.refresh(t)

	assert.Eventually(t, func() bool {
		p := resolvedPhotos(f)
		return len(p) == 1 && p[0] == untrusted
	}, waitFor, tick)
	f.close(t)

	assert.Equal(t, []string{photoRef}, testenv.LoadGroup(t, f.store, "g1").Photos)
	assert.Zero(t, f.store.Calls(memstore.MethodUpdate))
}

func TestPhotoWriteBackDebounced(t *testing.T) {
	f := newFixture(t,
		withObjects(map[string]string{photoPath: trustedPhoto}),
		withConfig(func(c *Config) { c.PersistDebounce = time.Hour }),
	)
	testenv.SeedGroup(t, f.store, photoGroup(photoRef))
	f.refresh(t)

	assert.Eventually(t, func() bool {
		p := resolvedPhotos(f)
		return len(p) == 1 && p[0] == trustedPhoto
	}, waitFor, tick)
	assert.Zero(t, f.store.Calls(memstore.MethodUpdate), "held by the debounce")

	f.close(t)
	assert.Equal(t, 1, f.store.Calls(memstore.MethodUpdate), "flushed on close")
	assert.Equal(t, []string{trustedPhoto}, testenv.LoadGroup(t, f.store, "g1").Photos)
}

func TestResolutionFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, photoGroup(photoRef))
	f.refresh(t)

	assert.Eventually(t, func() bool { return len(f.objects.Calls()) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		return f.logs.Contains("op=resolve_media")
	}, waitFor, tick)
	assert.Equal(t, []string{"https://static.example.com/hiking.jpg"}, resolvedPhotos(f))
	assert.Equal(t, "https://static.example.com/default.jpg", f.engine.DisplayURL(photoRef))

	// failed references are not retried in the background
	f.refresh(t)
	assert.Never(t, func() bool { return len(f.objects.Calls()) != 1 }, 50*time.Millisecond, tick)

	_, err := f.engine.ResolveMedia(testCtx(t), photoRef)
	assert.Equal(t, KindResolutionFailure, KindOf(err))
	assert.Len(t, f.objects.Calls(), 2, "an explicit request retries")
}

func TestResolutionPatchesAvatars(t *testing.T) {
	avatar := "gs://trybe-prod.appspot.com/avatars/bob.png"
	url := "https://firebasestorage.googleapis.com/v0/b/trybe-prod/o/avatars%2Fbob.png"
	f := newFixture(t)
	testenv.SeedGroup(t, f.store, joinedGroup())
	r := record(bob, "hey", t0.Add(-time.Minute))
	r.SenderAvatar = avatar
	testenv.SeedMessage(t, f.store, r)
	f.refresh(t)
	require.NoError(t, f.engine.SubscribeChat("g1").Wait(testCtx(t)))

	assert.Eventually(t, func() bool { return len(f.engine.Messages("g1")) == 1 }, waitFor, tick)
	assert.Equal(t, avatar, f.engine.Messages("g1")[0].SenderAvatar, "raw until resolved")

	f.engine.storeResolution(models.Resolution{Ref: avatar, URL: url, Trusted: true, ResolvedAt: t0})
	assert.Equal(t, url, f.engine.Messages("g1")[0].SenderAvatar)
}
