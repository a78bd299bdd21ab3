// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package stack

import (
	"sync"

	"github.com/google/uuid"
)

// Grants exclusive use of the camera to one stacking episode at a time
type Session struct {
	mutex sync.Mutex
	token string
}

// Acquires the session, returning a token for releasing it. Fails with Busy while held
func (s *Session) Acquire() (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.token != "" {
		return "", newError(Busy, nil)
	}
	s.token = uuid.New().String()
	return s.token, nil
}

// Releases the session if the token matches. Returns true if it was released
func (s *Session) Release(token string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if token == "" || s.token != token {
		return false
	}
	s.token = ""
	return true
}

// True while an episode holds the session
func (s *Session) Busy() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.token != ""
}

// Token of the current holder, empty if idle
func (s *Session) Token() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.token
}
