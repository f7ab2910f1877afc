package task

import "encoding/json"

// CurrentSchemaVersion is the schema version this build writes into
// every persisted RunRecord (spec.md §4.7: "on load, any object whose
// shape differs from the current schema is passed through an
// update-to-latest hook that renames/moves fields; unknown fields are
// preserved verbatim to allow round-trip downgrade").
const CurrentSchemaVersion = 1

// schemaUpgrades maps "the schema version a record was saved at" to
// the rewrite that brings its raw field set forward by exactly one
// version. Each upgrade mutates raw in place; fields it does not
// recognize are left untouched for knownRunRecordFields to sweep into
// the unknown-field set afterwards. Entries accumulate here one per
// released schema bump — none has shipped yet, so the map is empty,
// but the shape below (kept as a comment) is how the next one is
// added without touching upgradeRunRecord itself:
//
//	0: func(raw map[string]json.RawMessage) {
//		if v, ok := raw["ExitSignal"]; ok {
//			raw["ReturnCode"] = v
//			delete(raw, "ExitSignal")
//		}
//	},
var schemaUpgrades = map[int]func(map[string]json.RawMessage){}

// knownRunRecordFields is the field set runRecordDTO decodes; anything
// else found in a loaded record is preserved verbatim rather than
// dropped, so a record saved by a newer or older binary round-trips
// through this one without losing data.
var knownRunRecordFields = map[string]bool{
	"State": true, "PreUnknown": true, "ReturnCode": true, "JobID": true,
	"Resource": true, "SubmittedAt": true, "RunningAt": true,
	"TerminatedAt": true, "History": true, "Usage": true,
	"OutputDir": true, "PriorRuns": true, "UnknownSince": true,
}

// upgradeRunRecord walks raw forward from its recorded SchemaVersion
// (absent means version 0, the first shipped shape) to
// CurrentSchemaVersion, applying each intervening rewrite in order,
// then splits the result into the fields runRecordDTO understands and
// everything else.
func upgradeRunRecord(raw map[string]json.RawMessage) (known map[string]json.RawMessage, extra map[string]json.RawMessage) {
	version := 0
	if v, ok := raw["SchemaVersion"]; ok {
		_ = json.Unmarshal(v, &version)
	}
	delete(raw, "SchemaVersion")

	for version < CurrentSchemaVersion {
		if fn, ok := schemaUpgrades[version]; ok {
			fn(raw)
		}
		version++
	}

	extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !knownRunRecordFields[k] {
			extra[k] = v
		}
	}
	return raw, extra
}
