package tools

import "encoding/json"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // output submitted back to the run
	IsError bool   `json:"is_error"` // marks error
	Err     error  `json:"-"`        // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// JSONResult marshals v as the tool output.
func JSONResult(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("encode result: " + err.Error())
	}
	return &Result{ForLLM: string(data)}
}

// ErrorResult reports a failure to the assistant as {"error": message}.
func ErrorResult(message string) *Result {
	data, _ := json.Marshal(map[string]string{"error": message})
	return &Result{ForLLM: string(data), IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
