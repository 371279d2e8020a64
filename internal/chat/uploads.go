package chat

import (
	"strings"
)

// stage saves each upload through the Stager. Files that fail to stage are
// logged and left out of the message.
func (c *Conversation) stage(uploads []Upload) []Attachment {
	if len(uploads) == 0 {
		return nil
	}
	if c.opts.Stager == nil {
		c.logger.Warn("attachments dropped, no staging directory configured", "count", len(uploads))
		return nil
	}
	var out []Attachment
	for _, u := range uploads {
		path, err := c.opts.Stager.Save(u.Name, u.Data)
		if err != nil {
			c.logger.Error("stage attachment", "name", u.Name, "error", err)
			continue
		}
		out = append(out, Attachment{Name: u.Name, MIMEType: u.MIMEType, Path: path})
	}
	return out
}

// UploadNote renders the instructions appended to a message so the agent can
// find staged files: images go to the image tool, other files are read
// directly, PDFs converted to text first.
func UploadNote(files []Attachment) string {
	var images, docs []string
	for _, f := range files {
		if strings.HasPrefix(f.MIMEType, "image/") {
			images = append(images, f.Path)
		} else {
			docs = append(docs, f.Path)
		}
	}
	var b strings.Builder
	if len(images) > 0 {
		b.WriteString("\n\nThe user has uploaded images. Use the `image` tool to analyze each one:\n")
		b.WriteString(bulletList(images))
	}
	if len(docs) > 0 {
		b.WriteString("\n\nThe user has uploaded files:\n")
		b.WriteString(bulletList(docs))
		hasPDF := false
		for _, d := range docs {
			if strings.HasSuffix(strings.ToLower(d), ".pdf") {
				hasPDF = true
				break
			}
		}
		if hasPDF {
			b.WriteString("\nFor PDF files: use `exec` to convert to text first (e.g. `pdftotext file.pdf file.txt`), then `read` the .txt output.")
		} else {
			b.WriteString("\nUse `read` to access them.")
		}
	}
	return b.String()
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + it
	}
	return strings.Join(lines, "\n")
}
