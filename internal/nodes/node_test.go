package nodes

import "testing"

func TestParseStatusShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{"data object", `{"data":{"CCd":{"running":true,"pid":10},"SCd":{"name":"SCd","status":"stopped"}}}`, []string{"CCd", "SCd"}},
		{"processes list", `{"processes":[{"name":"MTd","status":"Running"},{"proc":"EMd"}]}`, []string{"MTd", "EMd"}},
		{"executables list", `{"executables":[{"name":"PreSd","running":false},{"alias":"no name"}]}`, []string{"PreSd"}},
		{"nothing", `{"ok":true}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := ParseStatus([]byte(tc.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(st.Processes) != len(tc.want) {
				t.Fatalf("want %d processes, got %+v", len(tc.want), st.Processes)
			}
			for i, name := range tc.want {
				if st.Processes[i].Name != name {
					t.Fatalf("process %d: want %s got %s", i, name, st.Processes[i].Name)
				}
			}
		})
	}
}

func TestParseStatusFields(t *testing.T) {
	body := `{"processes":[
		{"name":"CCd","status":"started","process_id":"4242","uptime_sec":12.5,"started_at":1700000000,"select":false,"version":"1.2"},
		{"name":"SCd","running":true}
	],"cameras":[{"ip":"10.0.0.21","connected":true},{"IP":"10.0.0.22","recording":true},{"connected":true}]}`
	st, err := ParseStatus([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ccd, ok := st.Find("CCd")
	if !ok {
		t.Fatalf("CCd missing")
	}
	if !ccd.Running || ccd.Select || ccd.Version != "1.2" {
		t.Fatalf("unexpected CCd %+v", ccd)
	}
	if ccd.PID == nil || *ccd.PID != 4242 {
		t.Fatalf("pid alias not parsed: %+v", ccd.PID)
	}
	if ccd.Uptime == nil || *ccd.Uptime != 12.5 || ccd.StartTS == nil || *ccd.StartTS != 1700000000 {
		t.Fatalf("uptime/start_ts aliases not parsed")
	}
	scd, _ := st.Find("SCd")
	if !scd.Select || scd.Snapshot().HasMeta() {
		t.Fatalf("SCd defaults wrong: %+v", scd)
	}
	if len(st.Cameras) != 2 || !st.Cameras[0].Connected || !st.Cameras[1].Recording {
		t.Fatalf("unexpected cameras %+v", st.Cameras)
	}
}

func TestParseStatusRejectsGarbage(t *testing.T) {
	if _, err := ParseStatus([]byte(`<html>`)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseStatus([]byte(`null`)); err == nil {
		t.Fatalf("expected error for null document")
	}
}

func TestParseAliasesJSONC(t *testing.T) {
	body := `{
		// node config
		"executables": [
			{"name": "PreSd", "alias": "Pre Storage [#1]"},
			{"name": "CCd", "alias": ""},
			{"name": "SCd"},
		],
	}`
	m, err := ParseAliases([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(m) != 1 || m["PreSd"] != "Pre Storage [#1]" {
		t.Fatalf("unexpected aliases %v", m)
	}
}

func TestCanonicalAndMerge(t *testing.T) {
	if Canonical("presd") != "PreSd" || Canonical("spd") != "SPd" || Canonical("Custom") != "Custom" {
		t.Fatalf("canonicalisation wrong")
	}
	m := MergeAliases(map[string]string{"ccd": "Cams", "mtd": ""})
	if m["CCd"] != "Cams" || m["MTd"] != "Message Transport" {
		t.Fatalf("merge wrong: %v", m)
	}
}

func TestNodeIP(t *testing.T) {
	if (Node{Host: "10.0.0.5:8080"}).IP() != "10.0.0.5" || (Node{Host: "10.0.0.5"}).IP() != "10.0.0.5" {
		t.Fatalf("IP() wrong")
	}
}
