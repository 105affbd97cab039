package localsession_test

import (
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/internal/localsession"
)

func TestFunctionRegistryHandles(t *testing.T) {
	s := localsession.New()
	s.Register("f", func(args []api.Value) ([]api.Value, error) { return args, nil })

	h1, err := s.GetFunction("f")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.GetFunction("f")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("handles differ for the same function: %d vs %d", h1, h2)
	}
	if _, err := s.GetFunction("missing"); err == nil {
		t.Error("unknown function resolved")
	}

	done := make(chan struct{})
	s.AsyncCallFunc(h1, []api.Value{api.Int64(5)}, func(vals []api.Value, err error) {
		defer close(done)
		if err != nil {
			t.Errorf("call: %v", err)
			return
		}
		if len(vals) != 1 || vals[0].Int != 5 {
			t.Errorf("call returned %+v", vals)
		}
	})
	<-done

	if err := s.FreeHandle(h1, api.HandleFunc); err != nil {
		t.Fatal(err)
	}
	if err := s.FreeHandle(h1, api.HandleFunc); err == nil {
		t.Error("double free accepted")
	}
}

func TestDataLifecycleAndViews(t *testing.T) {
	s := localsession.New()
	h, err := s.AllocData(api.CPU(0), 64, 8, api.Float32)
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := s.DataSize(h); !ok || n != 64 {
		t.Fatalf("size %d/%v, want 64", n, ok)
	}
	tensor := &api.TensorDesc{
		Dev:        api.CPU(0),
		Data:       uint64(h),
		Ndim:       1,
		DType:      api.DataType{Code: api.DTypeUInt, Bits: 8, Lanes: 1},
		Shape:      []int64{16},
		ByteOffset: 48,
	}
	view, ok := s.HostView(tensor, 16)
	if !ok || len(view) != 16 {
		t.Fatalf("view %d/%v", len(view), ok)
	}
	if _, ok := s.HostView(tensor, 17); ok {
		t.Error("out-of-bounds view granted")
	}
	if err := s.FreeData(api.CPU(0), h); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.HostView(tensor, 1); ok {
		t.Error("view into freed buffer granted")
	}
}

func TestAllocWithScope(t *testing.T) {
	s := localsession.New()
	tensor := &api.TensorDesc{
		Dev:   api.CPU(0),
		Ndim:  2,
		DType: api.Float32,
		Shape: []int64{4, 4},
	}
	h, err := s.AllocDataWithScope(tensor, "global")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := s.DataSize(h); n != 64 {
		t.Errorf("scoped alloc sized %d, want 64", n)
	}
	if _, err := s.AllocDataWithScope(tensor, "texture"); err == nil {
		t.Error("exotic scope accepted")
	}
}

func TestStreamBookkeeping(t *testing.T) {
	s := localsession.New()
	dev := api.CPU(0)
	st, err := s.CreateStream(dev)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetStream(dev, st); err != nil {
		t.Fatal(err)
	}
	cur, err := s.GetCurrentStream(dev)
	if err != nil || cur != st {
		t.Fatalf("current stream %d (%v), want %d", cur, err, st)
	}
	done := make(chan struct{})
	s.AsyncStreamWait(dev, st, func(_ []api.Value, err error) {
		if err != nil {
			t.Errorf("stream wait: %v", err)
		}
		close(done)
	})
	<-done
	if err := s.FreeStream(dev, st); err != nil {
		t.Fatal(err)
	}
	if err := s.FreeStream(dev, st); err == nil {
		t.Error("double stream free accepted")
	}
}

func TestGetAttrExistence(t *testing.T) {
	s := localsession.New()
	v, err := s.GetAttr(api.CPU(0), api.AttrExist)
	if err != nil || v.Int != 1 {
		t.Errorf("host existence = %+v (%v)", v, err)
	}
	v, err = s.GetAttr(api.Device{Kind: api.DeviceCUDA}, api.AttrExist)
	if err != nil || v.Int != 0 {
		t.Errorf("phantom existence = %+v (%v)", v, err)
	}
}
