package types

// Credentials is a read-only snapshot of one backend's auth material, taken
// at call time. Ownership stays with the authentication collaborator.
type Credentials struct {
	BaseURL  string
	Identity string
	Token    string
}
