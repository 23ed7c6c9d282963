package configfile

import (
	"io/ioutil"
	"os"
	"reflect"
	"testing"
)

func Test_SaveLoadRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "configfile")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := dir + "/nvwal.yaml"
	y := `
nv_root: /var/nvwal/nv
disk_root: /var/nvwal/disk
writer_count: 4
writer_buffer_size: 65536
segment_size: 1048576
nv_quota: 8388608
mds_partitions: 4
mds_page_size: 4096
atomic_append: true
`
	if err := os.WriteFile(path, []byte(y), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NvRoot != "/var/nvwal/nv" || cfg.WriterCount != 4 || cfg.SegmentSize != 1048576 {
		t.Fatalf("unexpected parsed config: %+v", cfg)
	}

	roundTripPath := dir + "/roundtrip.yaml"
	if err := Save(roundTripPath, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := Load(roundTripPath)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(again, cfg) {
		t.Fatalf("round trip mismatch: %+v != %+v", again, cfg)
	}
}
