package rediskey

import "fmt"

const (
	InvoiceNumberPrefix = "invoice:number"
	WebhookLockPrefix   = "webhook:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildInvoiceNumberKey returns "invoice:number:{number}"
func BuildInvoiceNumberKey(number string) string {
	return NamespaceKey(InvoiceNumberPrefix, number)
}

// BuildWebhookLockKey returns "webhook:lock:{provider}:{eventID}"
func BuildWebhookLockKey(provider, eventID string) string {
	return NamespaceKey(WebhookLockPrefix, provider+":"+eventID)
}
