package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// roundTrip feeds lines to a fresh server and returns one decoded response
// per output line.
func roundTrip(t *testing.T, setup func(*Server), lines ...string) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	srv := New("tabula", "test", WithIO(strings.NewReader(strings.Join(lines, "\n")+"\n"), &out))
	if setup != nil {
		setup(srv)
	}
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resps []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			t.Fatalf("bad response line %q: %v", l, err)
		}
		resps = append(resps, m)
	}
	return resps
}

func withCheckTool(s *Server) {
	s.AddTool(Tool{
		Name:   "check_code",
		Schema: json.RawMessage(`{"type":"object"}`),
		Run: func(_ context.Context, args json.RawMessage) (string, error) {
			var a struct{ Code string }
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			if strings.Contains(a.Code, "import os") {
				return "", errors.New("deny: process-control import (os)")
			}
			return "allow", nil
		},
	})
	s.AddResource(Resource{
		URI: "tabula://dataset", Name: "dataset", MimeType: "text/markdown",
		Read: func(context.Context) (string, error) { return "## Dataset", nil },
	})
}

func TestInitialize(t *testing.T) {
	resps := roundTrip(t, withCheckTool, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	res := resps[0]["result"].(map[string]any)
	if res["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", res["protocolVersion"])
	}
	caps := res["capabilities"].(map[string]any)
	if caps["tools"] == nil || caps["resources"] == nil {
		t.Errorf("capabilities = %v", caps)
	}
	if res["serverInfo"].(map[string]any)["name"] != "tabula" {
		t.Errorf("serverInfo = %v", res["serverInfo"])
	}
}

func TestInitialize_NoCapabilities(t *testing.T) {
	resps := roundTrip(t, nil, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	caps := resps[0]["result"].(map[string]any)["capabilities"].(map[string]any)
	if len(caps) != 0 {
		t.Errorf("expected no capabilities, got %v", caps)
	}
}

func TestToolsCall(t *testing.T) {
	resps := roundTrip(t, withCheckTool,
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"check_code","arguments":{"code":"print(1)"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"check_code","arguments":{"code":"import os"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}`,
	)
	if len(resps) != 4 {
		t.Fatalf("got %d responses, want 4", len(resps))
	}
	tools := resps[0]["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "check_code" {
		t.Errorf("tools = %v", tools)
	}

	text := func(r map[string]any) (string, bool) {
		res := r["result"].(map[string]any)
		isErr, _ := res["isError"].(bool)
		return res["content"].([]any)[0].(map[string]any)["text"].(string), isErr
	}
	if got, isErr := text(resps[1]); got != "allow" || isErr {
		t.Errorf("allowed call = %q, isError %v", got, isErr)
	}
	if got, isErr := text(resps[2]); !strings.Contains(got, "deny") || !isErr {
		t.Errorf("denied call = %q, isError %v", got, isErr)
	}
	if got, isErr := text(resps[3]); !strings.Contains(got, "unknown tool") || !isErr {
		t.Errorf("unknown tool = %q, isError %v", got, isErr)
	}
}

func TestResources(t *testing.T) {
	resps := roundTrip(t, withCheckTool,
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"tabula://dataset"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"tabula://missing"}}`,
	)
	list := resps[0]["result"].(map[string]any)["resources"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["uri"] != "tabula://dataset" {
		t.Errorf("resources = %v", list)
	}
	contents := resps[1]["result"].(map[string]any)["contents"].([]any)
	if contents[0].(map[string]any)["text"] != "## Dataset" {
		t.Errorf("contents = %v", contents)
	}
	if resps[2]["error"] == nil {
		t.Error("expected error for unknown resource")
	}
}

func TestProtocolErrors(t *testing.T) {
	resps := roundTrip(t, nil,
		`not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":7,"method":"bogus"}`,
		`[{"jsonrpc":"2.0","id":8,"method":"ping"},{"jsonrpc":"2.0","id":9,"method":"ping"}]`,
	)
	if len(resps) != 4 {
		t.Fatalf("got %d responses, want 4 (notification gets none)", len(resps))
	}
	if code := resps[0]["error"].(map[string]any)["code"].(float64); code != codeParse {
		t.Errorf("parse error code = %v", code)
	}
	if code := resps[1]["error"].(map[string]any)["code"].(float64); code != codeMethodNotFound {
		t.Errorf("unknown method code = %v", code)
	}
	if resps[2]["id"].(float64) != 8 || resps[3]["id"].(float64) != 9 {
		t.Errorf("batch ids = %v, %v", resps[2]["id"], resps[3]["id"])
	}
}

func TestServe_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv := New("tabula", "test", WithIO(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &bytes.Buffer{}))
	if err := srv.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v, want context.Canceled", err)
	}
}
