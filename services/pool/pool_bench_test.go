package pool

import (
	"testing"

	"github.com/kychandar/changecast/ds"
)

var benchFrame = []byte(`{"event":"resource:updated","data":{"resource":{"id":7,"title":"x"}},"id":"a1","room":"resources","origin":"node-1","published_time":1700000000000000000}`)

func BenchmarkPooledFrameDecode(b *testing.B) {
	pool := NewObjectPool()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f := pool.Frame.Get()
		if err := f.DeserializeFrom(benchFrame); err != nil {
			b.Fatal(err)
		}
		pool.ResetFrame(f)
	}
}

func BenchmarkDirectFrameDecode(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f := &ds.Frame{}
		if err := f.DeserializeFrom(benchFrame); err != nil {
			b.Fatal(err)
		}
	}
}
