package vouch

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/registry"
)

const vouchBucket = "vouch"

type voucherRecord struct {
	Devices []string
}

// Registry maps hashes to the bounded set of authorized devices that
// advertised them. It is persisted in a registry.Store.
type Registry struct {
	sync.Mutex

	maxPerHash   int
	maxPerDevice int

	vouchers map[dag.Hash]mapset.Set[dag.DeviceID]
	byDevice map[dag.DeviceID]mapset.Set[dag.Hash]

	store registry.Store
}

// NewRegistry ...
func NewRegistry(store registry.Store, maxPerHash, maxPerDevice int) *Registry {
	return &Registry{
		maxPerHash:   maxPerHash,
		maxPerDevice: maxPerDevice,
		vouchers:     make(map[dag.Hash]mapset.Set[dag.DeviceID]),
		byDevice:     make(map[dag.DeviceID]mapset.Set[dag.Hash]),
		store:        store,
	}
}

// Load reads the persisted voucher sets.
func (r *Registry) Load() error {
	r.Lock()
	defer r.Unlock()

	return r.store.Iterate(vouchBucket, func(key string, raw []byte) error {
		hash, err := dag.ParseHash(key)
		if err != nil {
			return err
		}
		var rec voucherRecord
		if err := registry.Unmarshal(raw, &rec); err != nil {
			return err
		}
		for _, d := range rec.Devices {
			r.add(hash, dag.DeviceID(d))
		}
		return nil
	})
}

func (r *Registry) add(hash dag.Hash, device dag.DeviceID) {
	set, ok := r.vouchers[hash]
	if !ok {
		set = mapset.NewSet[dag.DeviceID]()
		r.vouchers[hash] = set
	}
	set.Add(device)

	hs, ok := r.byDevice[device]
	if !ok {
		hs = mapset.NewSet[dag.Hash]()
		r.byDevice[device] = hs
	}
	hs.Add(hash)
}

// Add records that device advertised hash. It returns false when the
// voucher set of the hash or the allowance of the device is full.
func (r *Registry) Add(hash dag.Hash, device dag.DeviceID) (bool, error) {
	r.Lock()
	defer r.Unlock()

	set, ok := r.vouchers[hash]
	if ok && set.Contains(device) {
		return true, nil
	}
	if ok && set.Cardinality() >= r.maxPerHash {
		return false, nil
	}
	if hs, ok := r.byDevice[device]; ok && hs.Cardinality() >= r.maxPerDevice {
		return false, nil
	}

	r.add(hash, device)
	return true, r.persist(hash)
}

func (r *Registry) persist(hash dag.Hash) error {
	set, ok := r.vouchers[hash]
	if !ok || set.Cardinality() == 0 {
		return r.store.Delete(vouchBucket, hash.String())
	}
	return r.store.Put(vouchBucket, hash.String(), voucherRecord{Devices: sortedDevices(set)})
}

func sortedDevices(set mapset.Set[dag.DeviceID]) []string {
	res := make([]string, 0, set.Cardinality())
	for _, d := range set.ToSlice() {
		res = append(res, string(d))
	}
	sort.Strings(res)
	return res
}

// Vouchers returns the devices vouching for hash, sorted.
func (r *Registry) Vouchers(hash dag.Hash) []dag.DeviceID {
	r.Lock()
	defer r.Unlock()

	set, ok := r.vouchers[hash]
	if !ok {
		return nil
	}
	res := []dag.DeviceID{}
	for _, d := range sortedDevices(set) {
		res = append(res, dag.DeviceID(d))
	}
	return res
}

// Forget drops the voucher set of hash.
func (r *Registry) Forget(hash dag.Hash) error {
	r.Lock()
	defer r.Unlock()

	set, ok := r.vouchers[hash]
	if !ok {
		return nil
	}
	for _, d := range set.ToSlice() {
		if hs, ok := r.byDevice[d]; ok {
			hs.Remove(hash)
			if hs.Cardinality() == 0 {
				delete(r.byDevice, d)
			}
		}
	}
	delete(r.vouchers, hash)
	return r.store.Delete(vouchBucket, hash.String())
}

// PurgeDevice removes every vouch of device and returns the hashes it
// vouched for.
func (r *Registry) PurgeDevice(device dag.DeviceID) ([]dag.Hash, error) {
	r.Lock()
	defer r.Unlock()

	hs, ok := r.byDevice[device]
	if !ok {
		return nil, nil
	}
	affected := hs.ToSlice()
	dag.SortHashes(affected)

	for _, h := range affected {
		if set, ok := r.vouchers[h]; ok {
			set.Remove(device)
			if set.Cardinality() == 0 {
				delete(r.vouchers, h)
			}
		}
		if err := r.persist(h); err != nil {
			return affected, err
		}
	}
	delete(r.byDevice, device)
	return affected, nil
}

// Len returns the number of vouched hashes.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.vouchers)
}
