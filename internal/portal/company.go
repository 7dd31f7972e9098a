package portal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CompanyInfo is the labelled data shown on the company result page
type CompanyInfo struct {
	Name       string            `json:"name,omitempty"`
	Expediente string            `json:"expediente,omitempty"`
	RUC        string            `json:"ruc,omitempty"`
	Status     string            `json:"status,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Summary renders a single line for job listings
func (c *CompanyInfo) Summary() string {
	var parts []string
	if c.Name != "" {
		parts = append(parts, c.Name)
	}
	if c.Expediente != "" {
		parts = append(parts, "expediente "+c.Expediente)
	}
	if c.Status != "" {
		parts = append(parts, c.Status)
	}
	if len(parts) == 0 && len(c.Fields) > 0 {
		keys := make([]string, 0, len(c.Fields))
		for k := range c.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, fmt.Sprintf("%s: %s", keys[0], c.Fields[keys[0]]))
	}
	return strings.Join(parts, " - ")
}

// ParseCompany extracts label/value pairs from the result page. Labels come
// from two-cell table rows and from PrimeFaces output labels followed by a value.
func ParseCompany(html string) (*CompanyInfo, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse company page: %w", err)
	}

	fields := make(map[string]string)
	add := func(label, value string) {
		label = normaliseLabel(label)
		value = collapseSpace(value)
		if label == "" || value == "" || len(label) > 60 {
			return
		}
		if _, exists := fields[label]; !exists {
			fields[label] = value
		}
	}

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td, th")
		if cells.Length() == 2 {
			add(cells.Eq(0).Text(), cells.Eq(1).Text())
		}
	})

	doc.Find("label.ui-outputlabel, .ui-outputlabel").Each(func(_ int, label *goquery.Selection) {
		value := label.Next()
		if value.Length() == 0 {
			value = label.Parent().Next()
		}
		if inputValue, ok := value.Attr("value"); ok {
			add(label.Text(), inputValue)
			return
		}
		add(label.Text(), value.Text())
	})

	info := &CompanyInfo{Fields: fields}
	for label, value := range fields {
		switch {
		case strings.Contains(label, "nombre") || strings.Contains(label, "razon social") || strings.Contains(label, "razón social"):
			info.Name = value
		case strings.Contains(label, "expediente"):
			info.Expediente = value
		case strings.Contains(label, "ruc"):
			info.RUC = value
		case strings.Contains(label, "situacion") || strings.Contains(label, "situación") || strings.Contains(label, "estado"):
			info.Status = value
		}
	}
	return info, nil
}

func normaliseLabel(s string) string {
	s = strings.ToLower(collapseSpace(s))
	return strings.TrimSpace(strings.TrimSuffix(s, ":"))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
