package thread

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ehrlich-b/threadline/internal/logger"
)

// DraftSaver persists drafts. *store.Store implements it.
type DraftSaver interface {
	SaveDraft(threadID, text string) error
	LoadDrafts() (map[string]string, error)
}

// Drafts maps thread IDs to unsent input. Writes go through to the saver
// when one is set; saver failures are logged and the in-memory value wins.
type Drafts struct {
	mu    sync.Mutex
	m     map[string]string
	saver DraftSaver
	log   *zap.Logger
}

// NewDrafts creates an empty draft store. saver may be nil.
func NewDrafts(saver DraftSaver) *Drafts {
	return &Drafts{
		m:     make(map[string]string),
		saver: saver,
		log:   logger.L().With(zap.String("component", "drafts")),
	}
}

// Load replaces the in-memory drafts with the saver's.
func (d *Drafts) Load() error {
	if d.saver == nil {
		return nil
	}
	saved, err := d.saver.LoadDrafts()
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m = make(map[string]string, len(saved))
	for id, text := range saved {
		if text != "" {
			d.m[id] = text
		}
	}
	return nil
}

// Save records text as threadID's draft. Empty text removes the draft.
func (d *Drafts) Save(threadID, text string) {
	if threadID == "" {
		return
	}
	d.mu.Lock()
	prev, had := d.m[threadID]
	if text == "" {
		delete(d.m, threadID)
	} else {
		d.m[threadID] = text
	}
	d.mu.Unlock()

	if d.saver == nil || (had && prev == text) || (!had && text == "") {
		return
	}
	if err := d.saver.SaveDraft(threadID, text); err != nil {
		d.log.Warn("persist draft", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// Get returns threadID's draft, or "".
func (d *Drafts) Get(threadID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m[threadID]
}

func (d *Drafts) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}
