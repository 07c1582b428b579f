package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/quorumlabs/trustplane/pkg/canonical"
)

func FuzzMarshal(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('x')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := canonical.Marshal(v)
		if err != nil {
			// Some valid JSON values are not representable; consistent
			// failure is acceptable.
			return
		}
		b2, err := canonical.Marshal(v)
		if err != nil {
			t.Fatal("Marshal errored on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("non-deterministic canonical form:\n  first:  %s\n  second: %s", b1, b2)
		}

		var check any
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("canonical output is not valid JSON: %s", string(b1))
		}

		h1, err := canonical.Hash(v)
		if err != nil {
			return
		}
		h2, err := canonical.Hash(v)
		if err != nil || h1 != h2 {
			t.Errorf("hash not stable: %q vs %q (err=%v)", h1, h2, err)
		}
	})
}
