package session

// InFrame is the shape common to every inbound TUI->server frame; fields
// beyond Type are interpreted per Type and left optional so additional
// fields on a frame never fail decoding.
type InFrame struct {
	Type string `json:"type"`

	Content string `json:"content,omitempty"` // chat

	RequestID string            `json:"request_id,omitempty"` // ask_response
	Answers   map[string]string `json:"answers,omitempty"`    // ask_response

	GroupID int64 `json:"group_id,omitempty"` // execute_group
}

// outFrame marshals any of the outbound frame shapes below; Type drives
// what the TUI does with the rest of the fields.
type outFrame map[string]any

func textFrame(content string) outFrame {
	return outFrame{"type": "text", "content": content}
}

func toolUseFrame(id, name string, input any) outFrame {
	return outFrame{"type": "tool_use", "id": id, "name": name, "input": input}
}

func toolResultFrame(id, content string, isError bool) outFrame {
	return outFrame{"type": "tool_result", "id": id, "content": content, "is_error": isError}
}

func resultFrame(costUSD float64, isError bool, errMsg string) outFrame {
	f := outFrame{"type": "result", "total_cost_usd": costUSD, "is_error": isError}
	if errMsg != "" {
		f["error"] = errMsg
	}
	return f
}

func askQuestionFrame(requestID string, questions any) outFrame {
	return outFrame{"type": "ask_question", "request_id": requestID, "questions": questions}
}

func recommendationCreatedFrame(groupID int64) outFrame {
	return outFrame{"type": "recommendation_created", "group_id": groupID}
}

func sessionResetFrame(sessionID string) outFrame {
	return outFrame{"type": "session_reset", "session_id": sessionID}
}

func sessionLogSavedFrame(sessionID, path string) outFrame {
	return outFrame{"type": "session_log_saved", "session_id": sessionID, "path": path}
}

func statusFrame(sessionID string, connected bool) outFrame {
	return outFrame{"type": "status", "session_id": sessionID, "connected": connected}
}

// executionProgressFrame and executionCompleteFrame relay the execution
// engine's progress tokens and final per-leg results to the TUI as the
// group works its way through the leg-in state machine.
func executionProgressFrame(groupID int64, token string) outFrame {
	return outFrame{"type": "execution_progress", "group_id": groupID, "token": token}
}

func executionCompleteFrame(groupID int64, status string, results any) outFrame {
	return outFrame{"type": "execution_complete", "group_id": groupID, "status": status, "results": results}
}
