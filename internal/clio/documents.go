package clio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const documentFields = "id,name,created_at,latest_document_version{id,fully_uploaded}"

// ListDocuments lists the documents attached to a matter.
func (c *Gateway) ListDocuments(ctx context.Context, matterID int64) ([]Document, error) {
	q := url.Values{
		"matter_id": {strconv.FormatInt(matterID, 10)},
		"fields":    {documentFields},
		"order":     {"created_at(desc)"},
	}
	return listAll[Document](ctx, c, "list documents", apiPrefix+"/documents.json", q)
}

// DownloadDocument returns the bytes of a document's latest version.
func (c *Gateway) DownloadDocument(ctx context.Context, documentID int64) ([]byte, error) {
	resp, err := c.call(ctx, "download document", request{
		method: http.MethodGet,
		path:   fmt.Sprintf("%s/documents/%d/download", apiPrefix, documentID),
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}
