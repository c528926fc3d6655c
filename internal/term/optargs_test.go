package term

import "testing"

func TestCompileOptargsDefaults(t *testing.T) {
	o, err := CompileOptargs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.BatchSize != 100 {
		t.Fatalf("expected default batch size 100, got %d", o.BatchSize)
	}
}

func TestCompileOptargsOverridesBatchSize(t *testing.T) {
	o, err := CompileOptargs(map[string]interface{}{"batch_size": float64(5)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.BatchSize != 5 {
		t.Fatalf("expected batch size 5, got %d", o.BatchSize)
	}
}

func TestCompileOptargsRejectsBadShape(t *testing.T) {
	_, err := CompileOptargs(map[string]interface{}{"batch_size": "not a number"})
	if err == nil {
		t.Fatal("expected a schema validation error")
	}
}
