package trybesync

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore"
	"github.com/trybe-app/trybesync/pkg/models"
)

const photosField = "photos"

var terminalPrefixes = []string{"http://", "https://", "data:", "blob:", "file://"}

// IsTerminal reports whether ref is already usable for display.
func IsTerminal(ref string) bool {
	ref = strings.TrimSpace(ref)
	for _, p := range terminalPrefixes {
		if len(ref) >= len(p) && strings.EqualFold(ref[:len(p)], p) {
			return true
		}
	}
	return false
}

// NormalizeRef turns a storage reference into an object path: the gs://bucket
// prefix, leading slashes and surrounding whitespace are removed.
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			ref = rest[i+1:]
		} else {
			ref = ""
		}
	}
	return strings.TrimLeft(ref, "/")
}

func (e *Engine) isTrusted(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range e.cfg.TrustedHosts {
		h = strings.ToLower(h)
		if suffix, ok := strings.CutPrefix(h, "."); ok {
			if host == suffix || strings.HasSuffix(host, h) {
				return true
			}
			continue
		}
		if host == h {
			return true
		}
	}
	return false
}

// ResolveMedia returns a display URL for ref. Terminal references come back
// unchanged without a remote call, resolved ones from the cache.
func (e *Engine) ResolveMedia(ctx context.Context, ref string) (string, error) {
	res, err := e.resolve(ctx, ref)
	if err != nil {
		return "", newError(opResolve, "", err)
	}
	return res.URL, nil
}

// DisplayURL returns what the UI should show for ref right now: the reference
// itself when terminal, its resolution when cached, the default image
// otherwise.
func (e *Engine) DisplayURL(ref string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.displayLocked(ref, "")
}

func (e *Engine) displayLocked(ref, category string) string {
	ref = strings.TrimSpace(ref)
	if IsTerminal(ref) {
		return ref
	}
	if res, ok := e.resolutions[ref]; ok {
		return res.URL
	}
	if img, ok := e.cfg.CategoryImages[category]; ok && category != "" {
		return img
	}
	return e.cfg.DefaultImage
}

// avatarLocked keeps an unresolved reference as it is so that a later
// resolution can still be matched against it.
func (e *Engine) avatarLocked(ref string) string {
	if res, ok := e.resolutions[ref]; ok {
		return res.URL
	}
	return ref
}

func (e *Engine) displayPhotosLocked(g models.Group) []string {
	if len(g.Photos) == 0 {
		return []string{e.displayLocked("", g.Category)}
	}
	out := make([]string, len(g.Photos))
	for i, p := range g.Photos {
		out[i] = e.displayLocked(p, g.Category)
	}
	return out
}

func (e *Engine) resolve(ctx context.Context, ref string) (models.Resolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.Resolution{}, fmt.Errorf("%w: empty reference", constants.ErrResolutionFailure)
	}
	if IsTerminal(ref) {
		return models.Resolution{Ref: ref, URL: ref}, nil
	}
	e.mu.Lock()
	res, ok := e.resolutions[ref]
	e.mu.Unlock()
	if ok {
		return res, nil
	}

	path := NormalizeRef(ref)
	if path == "" {
		return models.Resolution{}, fmt.Errorf("%w: %q has no object path", constants.ErrResolutionFailure, ref)
	}
	var u string
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		u, err = e.objects.DownloadURL(ctx, path)
		return err
	})
	if err != nil {
		e.mu.Lock()
		e.failed[ref] = struct{}{}
		e.mu.Unlock()
		e.absorb(opResolve, "", err)
		return models.Resolution{}, err
	}
	res = models.Resolution{Ref: ref, URL: u, Trusted: e.isTrusted(u), ResolvedAt: e.clock()}
	e.storeResolution(res)
	return res, nil
}

// storeResolution caches res and patches every group showing the reference.
// Groups whose canonical photos gain a trusted URL are queued for write-back.
func (e *Engine) storeResolution(res models.Resolution) {
	var changes []Change
	var owners []models.GroupID
	e.mu.Lock()
	e.resolutions[res.Ref] = res
	delete(e.failed, res.Ref)
	for id, g := range e.groups {
		if !slices.Contains(g.Photos, res.Ref) {
			continue
		}
		g.ResolvedPhotos = e.displayPhotosLocked(*g)
		changes = append(changes, Change{Kind: ChangeGroups, GroupID: id})
		if res.Trusted {
			owners = append(owners, id)
		}
	}
	for id, list := range e.messages {
		patched := false
		for i := range list {
			if list[i].SenderAvatar == res.Ref {
				list[i].SenderAvatar = res.URL
				patched = true
			}
		}
		if patched {
			changes = append(changes, Change{Kind: ChangeMessages, GroupID: id})
		}
	}
	e.mu.Unlock()
	e.obs.emit(changes)
	for _, id := range owners {
		e.schedulePersist(id)
	}
}

// prefetch resolves refs in the background, skipping terminal, cached,
// previously failed and in-flight ones.
func (e *Engine) prefetch(refs ...string) {
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || IsTerminal(ref) {
			continue
		}
		e.mu.Lock()
		_, cached := e.resolutions[ref]
		_, failed := e.failed[ref]
		_, busy := e.inflight[ref]
		skip := cached || failed || busy || e.closed
		if !skip {
			e.inflight[ref] = struct{}{}
		}
		e.mu.Unlock()
		if skip {
			continue
		}
		started := e.spawn(func() {
			defer func() {
				e.mu.Lock()
				delete(e.inflight, ref)
				e.mu.Unlock()
			}()
			_, _ = e.resolve(e.ctx, ref)
		})
		if !started {
			e.mu.Lock()
			delete(e.inflight, ref)
			e.mu.Unlock()
		}
	}
}

// schedulePersist batches the photo write-back of a group. With no debounce
// configured, or once the engine is closing, it writes immediately.
func (e *Engine) schedulePersist(id models.GroupID) {
	e.mu.Lock()
	if e.cfg.PersistDebounce <= 0 || e.closed {
		e.mu.Unlock()
		e.flushPhotos(e.ctx, id)
		return
	}
	defer e.mu.Unlock()
	if _, ok := e.timers[id]; ok {
		return
	}
	e.wg.Add(1)
	e.timers[id] = time.AfterFunc(e.cfg.PersistDebounce, func() {
		defer e.wg.Done()
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		e.flushPhotos(e.ctx, id)
	})
}

// flushPhotos writes the canonical photos of a group with every trusted
// resolution substituted. Untrusted resolutions are never written.
func (e *Engine) flushPhotos(ctx context.Context, id models.GroupID) {
	e.mu.Lock()
	g, ok := e.groups[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	photos := slices.Clone(g.Photos)
	changed := false
	for i, p := range photos {
		if res, ok := e.resolutions[p]; ok && res.Trusted && res.URL != p {
			photos[i] = res.URL
			changed = true
		}
	}
	if changed {
		g.Photos = photos
		g.ResolvedPhotos = e.displayPhotosLocked(*g)
	}
	e.mu.Unlock()
	if !changed {
		return
	}
	err := e.retry(ctx, func(ctx context.Context) error {
		return e.docs.Update(ctx, constants.GroupsCollection, string(id), docstore.SetField(photosField, photos))
	})
	if err != nil {
		e.absorb("persist_photos", id, err)
		return
	}
	e.log.Debug("photos written back", "group", id, "count", len(photos))
	e.persistSnapshot(ctx)
}
