package conversation

import "testing"

func TestParseToolResultStructured(t *testing.T) {
	raw := `{"status":"success","action":"continue","data":{"policy_number":"POL123456","status":"active"},"message":"policy found"}`
	r := ParseToolResult(raw)
	if r.Status != StatusSuccess || r.Action != ActionContinue {
		t.Fatalf("status/action = %s/%s", r.Status, r.Action)
	}
	if r.EscalationRequired {
		t.Fatal("escalation_required set on a plain success")
	}
	if r.Data["policy_number"] != "POL123456" {
		t.Fatalf("data = %v", r.Data)
	}
}

func TestParseToolResultNotSupportedImpliesEscalation(t *testing.T) {
	r := ParseToolResult(`{"status":"not_supported","message":"operation 'cancel_policy' requires specialist assistance"}`)
	if !r.EscalationRequired {
		t.Fatal("not_supported must imply escalation_required")
	}
	if !DetectEscalation(r) {
		t.Fatal("DetectEscalation must be true for not_supported")
	}
}

func TestParseToolResultEscalateActionImpliesEscalation(t *testing.T) {
	r := ParseToolResult(`{"status":"success","action":"escalate","message":"needs a human"}`)
	if !r.EscalationRequired || !DetectEscalation(r) {
		t.Fatal("action=escalate must imply escalation")
	}
}

func TestParseToolResultUppercaseEnums(t *testing.T) {
	r := ParseToolResult(`{"status":"NOT_SUPPORTED","action":"Escalate"}`)
	if r.Status != StatusNotSupported || r.Action != ActionEscalate {
		t.Fatalf("status/action = %s/%s, want normalized", r.Status, r.Action)
	}
}

func TestParseToolResultDropsDataOnError(t *testing.T) {
	r := ParseToolResult(`{"status":"error","data":{"partial":"x"},"message":"backend down"}`)
	if r.Data != nil {
		t.Fatalf("data = %v, want nil when status is not success", r.Data)
	}
}

func TestParseToolResultLegacyKeywords(t *testing.T) {
	escalating := []string{
		"This operation is not_supported by the current system",
		"Please ESCALATE to tier two",
		"A specialist will need to review this",
		"Transferring you to a human agent now",
	}
	for _, raw := range escalating {
		r := ParseToolResult(raw)
		if !DetectEscalation(r) {
			t.Errorf("ParseToolResult(%q) did not escalate", raw)
		}
		if r.Action != ActionEscalate {
			t.Errorf("ParseToolResult(%q) action = %s, want escalate", raw, r.Action)
		}
	}

	benign := []string{
		"Your policy POL123456 is active with full coverage.",
		"Appointment scheduled for Tuesday at 10am.",
		"",
	}
	for _, raw := range benign {
		if r := ParseToolResult(raw); DetectEscalation(r) {
			t.Errorf("ParseToolResult(%q) escalated unexpectedly", raw)
		}
	}
}

func TestParseToolResultFencedJSON(t *testing.T) {
	raw := "```json\n{\"status\":\"success\",\"action\":\"continue\",\"message\":\"ok\"}\n```"
	r := ParseToolResult(raw)
	if r.Status != StatusSuccess || r.Message != "ok" {
		t.Fatalf("fenced parse = %+v", r)
	}
}

func TestDetectEscalationText(t *testing.T) {
	positives := []string{
		"I'm sorry, that requires specialist assistance.",
		"The operation 'cancel_policy' is not supported.",
		"Let me transfer to specialist for this.",
		"I will connect you with a specialist shortly.",
	}
	for _, s := range positives {
		if !DetectEscalationText(s) {
			t.Errorf("DetectEscalationText(%q) = false, want true", s)
		}
	}

	negatives := []string{
		"",
		"Your claim is processing and should complete this week.",
		"Thanks for calling, have a great day!",
	}
	for _, s := range negatives {
		if DetectEscalationText(s) {
			t.Errorf("DetectEscalationText(%q) = true, want false", s)
		}
	}
}
