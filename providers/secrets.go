package providers

// SecretStoreID names the secret holding GitHub OAuth and App credentials
const SecretStoreID = "github"

// ClientSecretKey is the secret key of the OAuth client secret of clientID
func ClientSecretKey(clientID string) string {
	return "client_secret_" + clientID
}

// AppClientIDKey is the secret key of the OAuth client id of a GitHub App
func AppClientIDKey(appID string) string {
	return "client_id_" + appID
}

// AppPrivateKeyKey is the secret key of a GitHub App's base64 PEM private key
func AppPrivateKeyKey(appID string) string {
	return "private_key_" + appID
}
