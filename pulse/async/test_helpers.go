package async

import "testing"

// createTestJob is a shared helper for all tests to create jobs with generic payloads
func createTestJob(t *testing.T, handlerName, source string) *Job {
	t.Helper()
	job, err := NewJobWithPayload(handlerName, source, map[string]interface{}{
		"source": source,
		"actor":  "test-system",
	})
	if err != nil {
		t.Fatalf("Failed to create test job: %v", err)
	}
	return job
}
