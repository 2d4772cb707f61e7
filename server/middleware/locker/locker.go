// Package locker provides an HTTP middleware which allows a route table to
// be locked, returning 423 (locked).  In a shared lab, one client locks the
// acquisition surface before a long run so another console cannot retune
// the sweep out from under it.
package locker

import (
	"net/http"
	"strings"
	"sync"

	"github.com/oplab/lightsweep/generichttp"
)

// Inject adds GET and POST /lock routes to an HTTPer, which manipulate the
// locker.
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = GetLock(l)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = SetLock(l)
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of path fragments to not protect.
type Locker struct {
	mu       sync.Mutex
	isLocked bool

	// DoNotProtect is a list of path fragments the lock never applies to.
	DoNotProtect []string
}

// New returns a Locker with DoNotProtect prepopulated so the lock itself,
// run status, and the stop control always remain reachable.
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "status", "stop"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	l.isLocked = true
	l.mu.Unlock()
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.isLocked = false
	l.mu.Unlock()
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked
}

// Check is an HTTP middleware that returns http.StatusLocked for protected
// paths while Locked() is true, otherwise passes down the line.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// SetLock calls Lock or Unlock based on json:bool on the request body
func SetLock(l *Locker) http.HandlerFunc {
	return generichttp.SetBool(func(b bool) error {
		if b {
			l.Lock()
		} else {
			l.Unlock()
		}
		return nil
	})
}

// GetLock returns Locked() over HTTP as JSON
func GetLock(l *Locker) http.HandlerFunc {
	return generichttp.GetBool(func() (bool, error) {
		return l.Locked(), nil
	})
}
