package router

import mapset "github.com/deckarep/golang-set/v2"

// subscriptionIndex maps exact topic strings to the set of subscriber
// identities. It carries no lock of its own: every access goes through the
// router's mutex so the index can never disagree with the connection
// registry.
type subscriptionIndex struct {
	topics map[string]mapset.Set[string]
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{topics: make(map[string]mapset.Set[string])}
}

// subscribe records identity as a subscriber of topic. Subscribing is
// idempotent; duplicate subscriptions collapse into one.
func (x *subscriptionIndex) subscribe(topic, identity string) {
	set, ok := x.topics[topic]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		x.topics[topic] = set
	}
	set.Add(identity)
}

// forget removes identity from every topic and prunes topics whose
// subscriber set becomes empty.
func (x *subscriptionIndex) forget(identity string) {
	for topic, set := range x.topics {
		set.Remove(identity)
		if set.Cardinality() == 0 {
			delete(x.topics, topic)
		}
	}
}

// subscribersOf returns a snapshot of the identities subscribed to topic, in
// unspecified order. The caller iterates the snapshot without holding the
// index under mutation.
func (x *subscriptionIndex) subscribersOf(topic string) []string {
	set, ok := x.topics[topic]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

// topicCount returns the number of topics with at least one subscriber.
func (x *subscriptionIndex) topicCount() int {
	return len(x.topics)
}
