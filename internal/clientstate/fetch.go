package clientstate

import (
	"fmt"
	"sync"
)

// fetchJob tracks one in-flight Fetch request so FetchCancelReceived can
// stop it mid-drain.
type fetchJob struct {
	sink      FetchSink
	cancelled bool
}

// FetchState drains cached groups into a subscriber-supplied FetchSink on
// a standalone Fetch request (spec.md §4.3's "Fetch" operation), separate
// from State's live-subscribe bookkeeping since a fetch has no ongoing
// publisher relationship to maintain.
type FetchState struct {
	cache CacheReader

	mu   sync.Mutex
	jobs map[pubSubKey]*fetchJob
}

// NewFetchState creates an empty FetchState bound to cache.
func NewFetchState(cache CacheReader) *FetchState {
	return &FetchState{cache: cache, jobs: make(map[pubSubKey]*fetchJob)}
}

// FetchReceived serves a bounded range fetch for ftn's alias out of the
// object cache, writing every cached object in [startGroup, endGroup) in
// ascending order into sink until the range is exhausted or the fetch is
// cancelled. endObject bounds the final group in range (endGroup-1, since
// endGroup itself is exclusive): an object_id past endObject within that
// group is not written. endObject=0 means "all objects in the end group"
// (spec.md §4.3 OnFetchOk).
func (f *FetchState) FetchReceived(conn ConnectionHandle, subID SubscribeID, ftn FullTrackName, startGroup, endGroup, endObject uint64, sink FetchSink) error {
	if f.cache == nil {
		return fmt.Errorf("clientstate: fetch requires a cache reader")
	}

	alias := TrackAlias(HashFullTrackName(ftn).FullNameHash)
	key := pubSubKey{publisher: conn, alias: TrackAlias(subID)}

	job := &fetchJob{sink: sink}
	f.mu.Lock()
	f.jobs[key] = job
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.jobs, key)
		f.mu.Unlock()
	}()

	var finalGroupID uint64
	hasFinalGroup := endGroup > 0
	if hasFinalGroup {
		finalGroupID = endGroup - 1
	}

	groups := f.cache.Get(uint64(alias), startGroup, endGroup)
	for _, g := range groups {
		for _, obj := range g.Objects {
			f.mu.Lock()
			cancelled := job.cancelled
			f.mu.Unlock()
			if cancelled {
				return nil
			}
			if hasFinalGroup && g.GroupID == finalGroupID && endObject != 0 && obj.ObjectID > endObject {
				return nil
			}
			if err := sink.WriteObject(g.GroupID, obj.ObjectID, obj.Priority, obj.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// FetchCancelReceived marks the fetch identified by (conn, subID)
// cancelled; the in-flight FetchReceived call observes this on its next
// iteration and stops draining.
func (f *FetchState) FetchCancelReceived(conn ConnectionHandle, subID SubscribeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[pubSubKey{publisher: conn, alias: TrackAlias(subID)}]; ok {
		job.cancelled = true
	}
}
