package api

import (
	"fmt"
	"strings"
	"time"
)

// TestPrefix is used to identify test resources for cleanup.
const TestPrefix = "TEST_"

// GenerateTestID generates a unique test run identifier.
func GenerateTestID() string {
	return fmt.Sprintf("int-%s-%d", time.Now().Format("20060102150405"), time.Now().UnixMilli()%10000)
}

// NewTestCSV returns a small table with a duplicate row, a missing value
// and a constant column.
func NewTestCSV() string {
	return strings.Join([]string{
		"name,age,group,score,constant",
		"A,31,x,1.5,7",
		"B,42,y,2.5,7",
		"B,42,y,2.5,7",
		"C,25,x,,7",
		"D,38,y,4.0,7",
		"E,29,x,3.5,7",
		"",
	}, "\n")
}

// NewTestDatasetFields returns the form fields for uploading a test dataset.
func NewTestDatasetFields(testID string, price float64) map[string]string {
	return map[string]string{
		"title":       fmt.Sprintf("%sdataset_%s", TestPrefix, testID),
		"category":    "test",
		"description": fmt.Sprintf("Integration test dataset - %s", testID),
		"price":       fmt.Sprintf("%g", price),
		"tags":        "integration,test",
	}
}

// StringPtr returns a pointer to a string.
func StringPtr(s string) *string {
	return &s
}
