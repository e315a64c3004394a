package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewCommand_NilParams(t *testing.T) {
	cmd := NewCommand("crm_applicants_list")
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"commandName":"crm_applicants_list","parameters":[]}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestNewCommand_KeepsNullParameter(t *testing.T) {
	cmd := NewCommand("crm_applicant_get", 5, nil, "x")
	data, _ := json.Marshal(cmd)
	want := `{"commandName":"crm_applicant_get","parameters":[5,null,"x"]}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestRows_FlattensNestedRows(t *testing.T) {
	res := &CommandResult{OK: true, Data: []any{
		[]any{map[string]any{"id": 1.0}, map[string]any{"id": 2.0}},
	}}

	type row struct {
		ID int `json:"id"`
	}
	rows, err := Rows[row](res)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != 1 || rows[1].ID != 2 {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestRows_FlatAndSingle(t *testing.T) {
	flat := &CommandResult{Data: []any{map[string]any{"id": 7.0}}}
	rows, err := Rows[map[string]any](flat)
	if err != nil || len(rows) != 1 {
		t.Fatalf("flat rows: %v %v", rows, err)
	}

	single := &CommandResult{Data: map[string]any{"id": 9.0}}
	row, ok := FirstRow(single)
	if !ok || row["id"] != 9.0 {
		t.Errorf("single row: %v %v", row, ok)
	}

	if _, ok := FirstRow(&CommandResult{}); ok {
		t.Error("expected no row for nil data")
	}
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  any
		want string
	}{
		{"nil", nil, ""},
		{"string", "boom", "boom"},
		{"structured message", map[string]any{"message": "bad input", "code": 3.0}, "bad input"},
		{"structured other", map[string]any{"code": 3.0}, `{"code":3}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &CommandResult{Error: tc.err}
			if got := r.ErrorMessage(); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFlag_LooseEncodings(t *testing.T) {
	cases := map[string]bool{
		`true`:    true,
		`false`:   false,
		`1`:       true,
		`0`:       false,
		`"1"`:     true,
		`"true"`:  true,
		`"TRUE"`:  true,
		`"yes"`:   false,
		`null`:    false,
		`2`:       false,
		`"0"`:     false,
	}
	for in, want := range cases {
		var f Flag
		if err := json.Unmarshal([]byte(in), &f); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if bool(f) != want {
			t.Errorf("Flag(%s) = %v, want %v", in, f, want)
		}
	}
}

func TestRoutePermission_Allows(t *testing.T) {
	var p RoutePermission
	raw := `{"role":"recruiter","path":"/users","Create":0,"Read":"1","Update":"True","Delete":false}`
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Allows(ActionCreate) || !p.Allows(ActionRead) || !p.Allows(ActionUpdate) || p.Allows(ActionDelete) {
		t.Errorf("unexpected flags: %+v", p)
	}
	if p.Allows(Action("Approve")) {
		t.Error("unknown action must be denied")
	}
}

func TestParseAction(t *testing.T) {
	if a, ok := ParseAction(" read "); !ok || a != ActionRead {
		t.Errorf("got %q %v", a, ok)
	}
	if _, ok := ParseAction("approve"); ok {
		t.Error("expected unknown action")
	}
}

func TestSplitRecords(t *testing.T) {
	frame := []byte("{\"type\":6}\x1e{\"type\":3,\"invocationId\":\"1\"}\x1e")
	records := SplitRecords(frame)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	var msg HubMessage
	if err := json.Unmarshal(records[1], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != HubCompletion || msg.InvocationID != "1" {
		t.Errorf("unexpected record: %+v", msg)
	}
}

func TestEncodeRecord(t *testing.T) {
	data, err := EncodeRecord(HandshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if data[len(data)-1] != RecordSeparator {
		t.Error("record must end with the separator")
	}
}
