package store

import "encoding/json"

// jsonUnmarshalBestEffort decodes raw into v, swallowing errors. Used by the
// in-memory backend's CountApplied, where intent type is read back out of a
// quote's stored JSON purely for bookkeeping and a malformed blob should
// never fail an unrelated read.
func jsonUnmarshalBestEffort(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	_ = json.Unmarshal(raw, v)
	return nil
}
