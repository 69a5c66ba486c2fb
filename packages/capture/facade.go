package capture

import "net/http"

// Default is the process-wide registry behind the package-level functions. It
// lives for the whole process; hosts that persist captures should call
// Default.Close on shutdown. Tests should build their own Registry instead.
var Default = NewRegistry()

// AddInterceptor registers name with capture enabled, no filter and no encryptor.
func (r *Registry) AddInterceptor(client *http.Client, name string) bool {
	return r.Register(client, name)
}

// AddInterceptorEnabled registers name with the given initial capture flag.
func (r *Registry) AddInterceptorEnabled(client *http.Client, name string, enabled bool) bool {
	return r.Register(client, name, WithCaptureEnabled(enabled))
}

// AddInterceptorWith is the full registration form. enc and filter may be nil.
func (r *Registry) AddInterceptorWith(client *http.Client, name string, enc Encryptor, filter Filter, enabled bool) bool {
	return r.Register(client, name, WithEncryptor(enc), WithFilter(filter), WithCaptureEnabled(enabled))
}

// IsContainsModule reports whether name is registered.
func (r *Registry) IsContainsModule(name string) bool {
	return r.Contains(name)
}

// RemoveInterceptor disables and removes name.
func (r *Registry) RemoveInterceptor(name string) bool {
	return r.Remove(name)
}

// UpdateInterceptor toggles capture for name.
func (r *Registry) UpdateInterceptor(name string, enabled bool) bool {
	return r.SetEnabled(name, enabled)
}

// GetModulePath returns the storage location identifier of name.
func (r *Registry) GetModulePath(name string) (string, bool) {
	return r.StoragePath(name)
}

// GetModuleHTTPCaptures returns the items of name, never nil.
func (r *Registry) GetModuleHTTPCaptures(name string) []Item {
	return r.Items(name)
}

// GetAllModule returns every module's items, decrypted when asked.
func (r *Registry) GetAllModule(decrypt bool) map[string][]Item {
	return r.AllItems(decrypt)
}

// AddInterceptor registers name on the Default registry.
func AddInterceptor(client *http.Client, name string, opts ...ModuleOption) bool {
	return Default.Register(client, name, opts...)
}

// IsContainsModule reports whether name is registered on the Default registry.
func IsContainsModule(name string) bool {
	return Default.Contains(name)
}

// RemoveInterceptor removes name from the Default registry.
func RemoveInterceptor(name string) bool {
	return Default.Remove(name)
}

// UpdateInterceptor toggles capture for name on the Default registry.
func UpdateInterceptor(name string, enabled bool) bool {
	return Default.SetEnabled(name, enabled)
}

// GetModulePath returns the storage path of name on the Default registry.
func GetModulePath(name string) (string, bool) {
	return Default.StoragePath(name)
}

// GetModuleHTTPCaptures returns the items of name on the Default registry.
func GetModuleHTTPCaptures(name string) []Item {
	return Default.Items(name)
}

// GetAllModule returns every module's items on the Default registry.
func GetAllModule(decrypt bool) map[string][]Item {
	return Default.AllItems(decrypt)
}
