package store

// NullableDocument converts a document into a value for a nullable text
// column.
func NullableDocument(d Document) any {
	if d.IsNull() {
		return nil
	}
	return string(d)
}

// DocumentFromColumn is the inverse of NullableDocument.
func DocumentFromColumn(s *string) (Document, error) {
	if s == nil {
		return nil, nil
	}
	return NewDocument([]byte(*s))
}
