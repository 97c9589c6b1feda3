package clientstate

import (
	"fmt"
	"testing"
	"time"
)

type fakeHandler struct{ closed bool }

func (h *fakeHandler) WriteObject(groupID, objectID uint64, priority uint8, payload []byte) error {
	return nil
}
func (h *fakeHandler) Close() { h.closed = true }

type fakeSubTrackHandler struct{ closed bool }

func (h *fakeSubTrackHandler) Close() { h.closed = true }

type fakeBinder struct {
	subscribeCalls   int
	unsubscribeCalls int
	updateCalls      int
}

func (b *fakeBinder) SubscribeTrack(publisher ConnectionHandle, ftn FullTrackName, attrs SubscribeAttrs) (SubscribeTrackHandler, error) {
	b.subscribeCalls++
	return &fakeSubTrackHandler{}, nil
}

func (b *fakeBinder) UnsubscribeTrack(publisher ConnectionHandle, handler SubscribeTrackHandler) {
	b.unsubscribeCalls++
}

func (b *fakeBinder) UpdateTrackSubscription(handler SubscribeTrackHandler, attrs SubscribeAttrs) error {
	b.updateCalls++
	return nil
}

type fakePeerNotifier struct {
	announces   []FullTrackName
	unannounces []FullTrackName
	unsubs      []TrackAlias
}

func (p *fakePeerNotifier) ClientAnnounce(ftn FullTrackName, attrs AnnounceAttrs) {
	p.announces = append(p.announces, ftn)
}
func (p *fakePeerNotifier) ClientUnannounce(ftn FullTrackName) {
	p.unannounces = append(p.unannounces, ftn)
}
func (p *fakePeerNotifier) ClientUnsubscribe(alias TrackAlias) {
	p.unsubs = append(p.unsubs, alias)
}

type fakeAnnounceNotifier struct {
	announced   []TrackNamespace
	unannounced []TrackNamespace
}

func (n *fakeAnnounceNotifier) NotifyAnnounce(sub ConnectionHandle, ns TrackNamespace) {
	n.announced = append(n.announced, ns)
}
func (n *fakeAnnounceNotifier) NotifyUnannounce(sub ConnectionHandle, ns TrackNamespace) {
	n.unannounced = append(n.unannounced, ns)
}

type fakeCache struct{}

func (fakeCache) Last(trackAlias uint64) (uint64, uint64, bool) { return 5, 9, true }
func (fakeCache) Get(trackAlias uint64, start, end uint64) []CachedGroup {
	return nil
}

func ns(parts ...string) TrackNamespace {
	out := make(TrackNamespace, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func newTestState() (*State, *fakeBinder, *fakePeerNotifier, *fakeAnnounceNotifier) {
	return newTestStateWithRefresh(0)
}

// newTestStateWithRefresh builds a State with an explicit
// subscription_refresh_interval_ms gate, for tests that exercise the
// refresh debounce itself.
func newTestStateWithRefresh(interval time.Duration) (*State, *fakeBinder, *fakePeerNotifier, *fakeAnnounceNotifier) {
	binder := &fakeBinder{}
	peers := &fakePeerNotifier{}
	notifier := &fakeAnnounceNotifier{}
	s := New(nil, binder, peers, notifier, fakeCache{}, interval)
	return s, binder, peers, notifier
}

func TestSubscribeReceived_SharesPullSubscriptionAcrossSubscribers(t *testing.T) {
	s, binder, _, _ := newTestState()
	ftn := FullTrackName{Namespace: ns("a", "b"), Name: TrackName("video")}
	attrs := SubscribeAttrs{Filter: FilterAbsoluteRange}

	s.AnnounceReceived(ConnectionHandle(100), ns("a", "b"), nil)

	_, _, _, err := s.SubscribeReceived(ConnectionHandle(1), SubscribeID(1), 0, ftn, attrs)
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	_, _, _, err = s.SubscribeReceived(ConnectionHandle(2), SubscribeID(1), 0, ftn, attrs)
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if binder.subscribeCalls != 1 {
		t.Fatalf("expected exactly one pull-side SubscribeTrack call, got %d", binder.subscribeCalls)
	}
	if binder.updateCalls != 1 {
		t.Fatalf("expected one UpdateTrackSubscription call for the second subscriber, got %d", binder.updateCalls)
	}

	alias := TrackAlias(HashFullTrackName(ftn).FullNameHash)
	if got := len(s.Subscribers(alias)); got != 0 {
		t.Fatalf("expected 0 bound PublishHandlers before BindSubscriber, got %d", got)
	}
}

func TestSubscribeReceived_RetryTrackAliasOnMismatch(t *testing.T) {
	s, _, _, _ := newTestState()
	ftn := FullTrackName{Namespace: ns("a"), Name: TrackName("video")}
	want := TrackAlias(HashFullTrackName(ftn).FullNameHash)

	_, _, _, err := s.SubscribeReceived(ConnectionHandle(1), SubscribeID(1), want+1, ftn, SubscribeAttrs{})
	if err == nil {
		t.Fatal("expected a track alias mismatch to be rejected")
	}
	retry, ok := err.(*ErrRetryTrackAlias)
	if !ok {
		t.Fatalf("expected *ErrRetryTrackAlias, got %T", err)
	}
	if retry.SuggestedAlias != want {
		t.Fatalf("expected suggested alias %d, got %d", want, retry.SuggestedAlias)
	}

	s.mu.Lock()
	_, entered := s.subscribeActive[ConnectionHandle(1)]
	s.mu.Unlock()
	if entered {
		t.Fatal("a rejected subscribe must not enter state")
	}
}

func TestInstallPublisherLocked_RefreshGatedByInterval(t *testing.T) {
	s, binder, _, _ := newTestStateWithRefresh(time.Hour)
	ftn := FullTrackName{Namespace: ns("g"), Name: TrackName("video")}
	attrs := SubscribeAttrs{Filter: FilterAbsoluteRange}

	s.AnnounceReceived(ConnectionHandle(100), ns("g"), nil)
	s.SubscribeReceived(ConnectionHandle(1), SubscribeID(1), 0, ftn, attrs)
	s.SubscribeReceived(ConnectionHandle(2), SubscribeID(1), 0, ftn, attrs)

	if binder.updateCalls != 0 {
		t.Fatalf("expected the refresh interval to suppress the second subscriber's UpdateTrackSubscription, got %d calls", binder.updateCalls)
	}
}

func TestAnnounceReceived_WiresAlreadyActiveSubscribers(t *testing.T) {
	s, binder, _, _ := newTestState()
	ftn := FullTrackName{Namespace: ns("late"), Name: TrackName("video")}

	// Subscribe arrives before the announce (scenario S1/S2 ordering).
	if _, _, _, err := s.SubscribeReceived(ConnectionHandle(1), SubscribeID(1), 0, ftn, SubscribeAttrs{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if binder.subscribeCalls != 0 {
		t.Fatalf("expected no pull-side subscribe before any announcer exists, got %d", binder.subscribeCalls)
	}

	s.AnnounceReceived(ConnectionHandle(100), ns("late"), nil)
	if binder.subscribeCalls != 1 {
		t.Fatalf("expected the new announce to wire the already-active subscriber, got %d calls", binder.subscribeCalls)
	}
}

func TestUnsubscribeReceived_DropsPullSubscriptionOnLastSubscriber(t *testing.T) {
	s, binder, peers, _ := newTestState()
	ftn := FullTrackName{Namespace: ns("a"), Name: TrackName("audio")}

	s.AnnounceReceived(ConnectionHandle(100), ns("a"), nil)
	s.SubscribeReceived(ConnectionHandle(1), SubscribeID(1), 0, ftn, SubscribeAttrs{})
	s.SubscribeReceived(ConnectionHandle(2), SubscribeID(1), 0, ftn, SubscribeAttrs{})

	s.UnsubscribeReceived(ConnectionHandle(1), SubscribeID(1))
	if binder.unsubscribeCalls != 0 {
		t.Fatalf("unsubscribe should not tear down the pull side while a second subscriber remains")
	}
	if len(peers.unsubs) != 1 {
		t.Fatalf("expected one ClientUnsubscribe notification, got %d", len(peers.unsubs))
	}

	s.UnsubscribeReceived(ConnectionHandle(2), SubscribeID(1))
	if binder.unsubscribeCalls != 1 {
		t.Fatalf("expected pull-side teardown once the last subscriber leaves, got %d calls", binder.unsubscribeCalls)
	}
}

func TestAnnounceReceived_ReusedHandlePurgesEverythingUnderIt(t *testing.T) {
	s, _, peers, _ := newTestState()
	nsA := ns("room", "a")
	nsB := ns("room", "b")

	s.AnnounceReceived(ConnectionHandle(1), nsA, nil)
	s.AnnounceReceived(ConnectionHandle(1), nsB, nil)

	// A second AnnounceReceived for nsA on the same handle, without an
	// intervening ConnectionStatusChanged, signals handle reuse: per Open
	// Question 2 this must purge nsB too, not just re-announce nsA.
	s.AnnounceReceived(ConnectionHandle(1), nsA, nil)

	found := false
	for _, u := range peers.unannounces {
		if u.Namespace.Equal(nsB) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected nsB to be unannounced as part of the reused-handle purge, unannounces=%v", peers.unannounces)
	}

	s.mu.Lock()
	_, stillThere := s.announceActive[ConnectionHandle(1)][nsKey(nsB)]
	s.mu.Unlock()
	if stillThere {
		t.Fatalf("nsB must not survive the reused-handle purge")
	}
}

func TestSubscribeAnnouncesReceived_RepliesWithAlreadyActiveNamespaces(t *testing.T) {
	s, _, _, notifier := newTestState()
	nsRoom := ns("room", "42")

	s.AnnounceReceived(ConnectionHandle(1), nsRoom, nil)
	s.SubscribeAnnouncesReceived(ConnectionHandle(2), ns("room"))

	if len(notifier.announced) != 1 || !notifier.announced[0].Equal(nsRoom) {
		t.Fatalf("expected an immediate NotifyAnnounce replay for the matching namespace, got %v", notifier.announced)
	}
}

func TestUnsubscribeAnnouncesReceived_ErasesEmptyPrefixEntry(t *testing.T) {
	s, _, _, _ := newTestState()
	prefix := ns("room")

	s.SubscribeAnnouncesReceived(ConnectionHandle(2), prefix)
	s.UnsubscribeAnnouncesReceived(ConnectionHandle(2), prefix)

	s.mu.Lock()
	_, stillThere := s.subscribesAnnounces[nsKey(prefix)]
	s.mu.Unlock()
	if stillThere {
		t.Fatalf("expected the prefix entry to be erased once its last subscriber leaves (Open Question 1)")
	}
}

func TestConnectionStatusChanged_PurgesBothPublishAndSubscribeState(t *testing.T) {
	s, binder, peers, _ := newTestState()
	ftn := FullTrackName{Namespace: ns("x"), Name: TrackName("y")}

	s.AnnounceReceived(ConnectionHandle(1), ns("x"), nil)
	s.SubscribeReceived(ConnectionHandle(2), SubscribeID(1), 0, ftn, SubscribeAttrs{})

	s.ConnectionStatusChanged(ConnectionHandle(2), false)
	if binder.unsubscribeCalls != 1 {
		t.Fatalf("expected subscriber disconnect to tear down its pull subscription, got %d calls", binder.unsubscribeCalls)
	}

	s.ConnectionStatusChanged(ConnectionHandle(1), false)
	found := false
	for _, u := range peers.unannounces {
		if u.Namespace.Equal(ns("x")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected publisher disconnect to unannounce its namespace")
	}
}

func TestRefreshSubscription_IsPerPublisherNotGlobal(t *testing.T) {
	s, _, _, _ := newTestState()
	alias := TrackAlias(1234)

	s.RefreshSubscription(ConnectionHandle(1), alias)
	if _, ok := s.LastRefresh(ConnectionHandle(2), alias); ok {
		t.Fatalf("refresh timestamp must not leak across different publisher connections for the same alias")
	}
	if _, ok := s.LastRefresh(ConnectionHandle(1), alias); !ok {
		t.Fatalf("expected a refresh timestamp for the publisher that was actually refreshed")
	}
}

func TestFetchReceived_WritesWholeRangeWithoutCancel(t *testing.T) {
	cache := fetchFakeCache{groups: []CachedGroup{
		{GroupID: 1, Objects: []CachedObject{{ObjectID: 0}, {ObjectID: 1}}},
		{GroupID: 2, Objects: []CachedObject{{ObjectID: 0}}},
	}}
	fs := NewFetchState(cache)
	sink := &countingSink{}

	ftn := FullTrackName{Namespace: ns("z"), Name: TrackName("w")}
	err := fs.FetchReceived(ConnectionHandle(1), SubscribeID(7), ftn, 1, 3, 0, sink)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if sink.count != 3 {
		t.Fatalf("expected all 3 objects written without cancellation, got %d", sink.count)
	}
}

type fetchFakeCache struct{ groups []CachedGroup }

func (c fetchFakeCache) Last(trackAlias uint64) (uint64, uint64, bool) { return 0, 0, false }
func (c fetchFakeCache) Get(trackAlias uint64, start, end uint64) []CachedGroup {
	return c.groups
}

type countingSink struct{ count int }

func (s *countingSink) WriteObject(groupID, objectID uint64, priority uint8, payload []byte) error {
	s.count++
	return nil
}
func (s *countingSink) Close() {}

func ExampleState_SubscribeReceived() {
	s, _, _, _ := newTestState()
	ftn := FullTrackName{Namespace: ns("demo"), Name: TrackName("track")}
	s.AnnounceReceived(ConnectionHandle(2), ns("demo"), nil)
	_, _, hasLargest, _ := s.SubscribeReceived(ConnectionHandle(1), SubscribeID(1), 0, ftn, SubscribeAttrs{})
	fmt.Println(hasLargest)
	// Output: true
}
