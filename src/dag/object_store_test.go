package dag

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/mosaicnetworks/murmur/src/common"
)

func testObjectStores(t *testing.T) map[string]ObjectStore {
	return map[string]ObjectStore{
		"inmem":  NewInmemObjectStore(),
		"badger": NewBadgerObjectStore(newTestBadgerStore(t).DB()),
	}
}

func TestObjectStore(t *testing.T) {
	compressible := bytes.Repeat([]byte("opaque "), 200)
	small := []byte{1, 2, 3}

	for name, s := range testObjectStores(t) {
		t.Run(name, func(t *testing.T) {
			h1 := Hash{1}
			h2 := Hash{2}

			if err := s.Put(h1, compressible, ObjectOpaque); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(h2, small, ObjectOpaque); err != nil {
				t.Fatal(err)
			}

			data, st, err := s.Get(h1)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data, compressible) || st != ObjectOpaque {
				t.Fatalf("Get returned %d bytes with status %s", len(data), st)
			}

			if err := s.SetStatus(h2, ObjectPending); err != nil {
				t.Fatal(err)
			}
			data, st, err = s.Get(h2)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data, small) || st != ObjectPending {
				t.Fatalf("SetStatus should keep the data and change the status, got %v %s", data, st)
			}

			opaque, err := s.List(ObjectOpaque)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(opaque, []Hash{h1}) {
				t.Fatalf("List(Opaque) should be [h1], not %v", opaque)
			}

			if err := s.Delete(h1); err != nil {
				t.Fatal(err)
			}
			if _, _, err := s.Get(h1); !common.IsStore(err, common.KeyNotFound) {
				t.Fatalf("Get after Delete should fail with KeyNotFound, got %v", err)
			}
			if err := s.SetStatus(h1, ObjectOpaque); !common.IsStore(err, common.KeyNotFound) {
				t.Fatalf("SetStatus after Delete should fail with KeyNotFound, got %v", err)
			}
		})
	}
}

func TestObjectRecordEncoding(t *testing.T) {
	compressible := bytes.Repeat([]byte{7}, 4096)

	record := encodeObject(compressible, ObjectOpaque)
	if record[1] != encodingLZ4 {
		t.Fatalf("compressible data should be stored lz4 encoded")
	}
	if len(record) >= len(compressible) {
		t.Fatalf("record should be smaller than the data, got %d bytes", len(record))
	}

	data, st, err := decodeObject(record)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, compressible) || st != ObjectOpaque {
		t.Fatal("decoded record differs")
	}

	raw := encodeObject([]byte{9}, ObjectAvailable)
	if raw[1] != encodingRaw {
		t.Fatalf("incompressible data should be stored raw")
	}

	if _, _, err := decodeObject([]byte{1}); err == nil {
		t.Fatal("short record should fail to decode")
	}
}
