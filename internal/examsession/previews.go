package examsession

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// MemoryPreviews keeps evidence bytes addressable by image ID until released.
// It is shared by all sessions of a process.
type MemoryPreviews struct {
	mu      sync.RWMutex
	baseURL string
	items   map[uuid.UUID]preview
}

type preview struct {
	key AttemptKey
	img model.EvidenceImage
}

// NewMemoryPreviews creates a preview registry whose URLs are rooted at baseURL,
// e.g. "/api/v1/student/sessions".
func NewMemoryPreviews(baseURL string) *MemoryPreviews {
	return &MemoryPreviews{
		baseURL: strings.TrimRight(baseURL, "/"),
		items:   make(map[uuid.UUID]preview),
	}
}

// Create registers img and returns its preview URL.
func (p *MemoryPreviews) Create(key AttemptKey, img model.EvidenceImage) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[img.ID] = preview{key: key, img: img}
	return fmt.Sprintf("%s/%s/evidence/%s", p.baseURL, key.SessionID, img.ID)
}

// Release forgets the image behind url. Unknown URLs are ignored.
func (p *MemoryPreviews) Release(url string) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return
	}
	id, err := uuid.Parse(url[idx+1:])
	if err != nil {
		return
	}

	p.mu.Lock()
	delete(p.items, id)
	p.mu.Unlock()
}

// Lookup returns the image registered under id if it belongs to the attempt.
func (p *MemoryPreviews) Lookup(key AttemptKey, id uuid.UUID) (model.EvidenceImage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[id]
	if !ok || item.key != key {
		return model.EvidenceImage{}, false
	}
	return item.img, true
}

// Len reports how many previews are currently held.
func (p *MemoryPreviews) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}
