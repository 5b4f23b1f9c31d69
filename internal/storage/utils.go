package storage

// InitStore opens the backing database and verifies the connection
func InitStore(connStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(connStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}
