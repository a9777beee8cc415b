package producer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxTitleLength = 100

// UploadOptions describe a dataset being uploaded.
type UploadOptions struct {
	Title       string
	Description string
	Category    string
	// Price of zero makes the dataset free to download once access is granted.
	Price float64
	Tags  []string

	url string
}

// NewUploadOptions returns options for a free dataset in the general category.
func NewUploadOptions(title string) UploadOptions {
	return UploadOptions{
		Title:    title,
		Category: "general",
	}
}

var separatorRegex = regexp.MustCompile(`[\s_\-.]+`)

// titleFromFile turns "clinical_outcomes-2024.csv" into "clinical outcomes 2024".
func titleFromFile(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	title := strings.TrimSpace(separatorRegex.ReplaceAllString(base, " "))
	if title == "" || title == "." {
		return "dataset"
	}
	return title
}

// formFields validates the options and renders them as upload form fields.
func (o UploadOptions) formFields() (map[string]string, error) {
	title := strings.TrimSpace(o.Title)
	if n := utf8.RuneCountInString(title); n == 0 || n > maxTitleLength {
		return nil, fmt.Errorf("title must be between 1 and %d characters", maxTitleLength)
	}
	if o.Price < 0 {
		return nil, fmt.Errorf("price must be non-negative")
	}
	for _, tag := range o.Tags {
		if strings.Contains(tag, ",") {
			return nil, fmt.Errorf("tag %q must not contain a comma", tag)
		}
	}

	fields := map[string]string{
		"title": title,
		"price": strconv.FormatFloat(o.Price, 'f', -1, 64),
	}
	if o.Category != "" {
		fields["category"] = o.Category
	}
	if o.Description != "" {
		fields["description"] = o.Description
	}
	if len(o.Tags) > 0 {
		fields["tags"] = strings.Join(o.Tags, ",")
	}
	if o.url != "" {
		fields["url"] = o.url
	}

	return fields, nil
}
