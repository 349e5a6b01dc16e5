// Package metrics holds the tally counters of the storage and factory layers.
package metrics

import (
	"github.com/uber-go/tally/v4"
)

// StorageMetrics tracks backend calls made on behalf of mapped objects.
type StorageMetrics struct {
	Load         tally.Counter
	LoadFail     tally.Counter
	LoadNotFound tally.Counter

	Save     tally.Counter
	SaveFail tally.Counter

	Delete     tally.Counter
	DeleteFail tally.Counter

	GetProp     tally.Counter
	GetPropFail tally.Counter

	SetProp     tally.Counter
	SetPropFail tally.Counter

	Query     tally.Counter
	QueryFail tally.Counter

	Purge     tally.Counter
	PurgeFail tally.Counter
}

// NewStorageMetrics returns StorageMetrics rooted at scope and tagged with the
// storage id.
func NewStorageMetrics(scope tally.Scope, storageID string) *StorageMetrics {
	if storageID == "" {
		storageID = "default"
	}
	storageScope := scope.SubScope("storage").Tagged(map[string]string{"storage": storageID})
	successScope := storageScope.Tagged(map[string]string{"type": "success"})
	failScope := storageScope.Tagged(map[string]string{"type": "fail"})
	notFoundScope := storageScope.Tagged(map[string]string{"type": "not_found"})

	return &StorageMetrics{
		Load:         successScope.Counter("load"),
		LoadFail:     failScope.Counter("load"),
		LoadNotFound: notFoundScope.Counter("load"),
		Save:         successScope.Counter("save"),
		SaveFail:     failScope.Counter("save"),
		Delete:       successScope.Counter("delete"),
		DeleteFail:   failScope.Counter("delete"),
		GetProp:      successScope.Counter("get_prop"),
		GetPropFail:  failScope.Counter("get_prop"),
		SetProp:      successScope.Counter("set_prop"),
		SetPropFail:  failScope.Counter("set_prop"),
		Query:        successScope.Counter("query"),
		QueryFail:    failScope.Counter("query"),
		Purge:        successScope.Counter("purge"),
		PurgeFail:    failScope.Counter("purge"),
	}
}

// FactoryMetrics tracks the identity cache of an object factory.
type FactoryMetrics struct {
	Hit          tally.Counter
	Miss         tally.Counter
	Autoload     tally.Counter
	AutoloadFail tally.Counter
	Insert       tally.Counter
	Evict        tally.Counter
	Query        tally.Counter
	SaveFail     tally.Counter
	Size         tally.Gauge
}

// NewFactoryMetrics returns FactoryMetrics rooted at scope and tagged with
// the class name.
func NewFactoryMetrics(scope tally.Scope, class string) *FactoryMetrics {
	factoryScope := scope.SubScope("factory").Tagged(map[string]string{"class": class})
	cacheScope := factoryScope.SubScope("cache")
	successScope := factoryScope.Tagged(map[string]string{"type": "success"})
	failScope := factoryScope.Tagged(map[string]string{"type": "fail"})

	return &FactoryMetrics{
		Hit:          cacheScope.Counter("hit"),
		Miss:         cacheScope.Counter("miss"),
		Insert:       cacheScope.Counter("insert"),
		Evict:        cacheScope.Counter("evict"),
		Size:         cacheScope.Gauge("size"),
		Autoload:     successScope.Counter("autoload"),
		AutoloadFail: failScope.Counter("autoload"),
		Query:        successScope.Counter("query"),
		SaveFail:     failScope.Counter("save"),
	}
}
